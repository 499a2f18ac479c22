package bt

// Bluetooth service and characteristic UUIDs for bike training
const (
	// Heart Rate Service
	ServiceUUIDHeartRate         = "0000180d-0000-1000-8000-00805f9b34fb"
	CharUUIDHeartRateMeasurement = "00002a37-0000-1000-8000-00805f9b34fb"

	// Cycling Speed and Cadence Service (CSC)
	ServiceUUIDCyclingSpeedCadence = "00001816-0000-1000-8000-00805f9b34fb"
	CharUUIDCSCMeasurement         = "00002a5b-0000-1000-8000-00805f9b34fb"

	// Cycling Power Service
	ServiceUUIDCyclingPower         = "00001818-0000-1000-8000-00805f9b34fb"
	CharUUIDCyclingPowerMeasurement = "00002a63-0000-1000-8000-00805f9b34fb"
	CharUUIDCyclingPowerFeature     = "00002a65-0000-1000-8000-00805f9b34fb"

	// Fitness Machine Service (FTMS)
	ServiceUUIDFTMS             = "00001826-0000-1000-8000-00805f9b34fb"
	CharUUIDIndoorBikeData      = "00002ad2-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSControlPoint    = "00002ad9-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSFeature         = "00002acc-0000-1000-8000-00805f9b34fb"
	CharUUIDSupportedPowerRange = "00002ad8-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSStatus          = "00002ada-0000-1000-8000-00805f9b34fb"

	// Device Information Service
	ServiceUUIDDeviceInformation = "0000180a-0000-1000-8000-00805f9b34fb"
	CharUUIDFirmwareRevision     = "00002a26-0000-1000-8000-00805f9b34fb"
)
