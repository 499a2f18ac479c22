package manager

// ScanDecision says whether discovery should run and for which devices
type ScanDecision struct {
	Scan bool
	// Wanted are assigned devices that are absent and eligible for reconnect
	Wanted []string
	// Suppressed are assigned devices that are absent but were disconnected
	// by the user
	Suppressed []string
}

// ScanFor reports whether an advertisement from id should trigger a reconnect
func (d ScanDecision) ScanFor(id string) bool {
	for _, w := range d.Wanted {
		if w == id {
			return true
		}
	}
	return false
}

// Decide evaluates the scan policy. assigned holds each assigned device
// once. Scanning is off with no assignments, with every assigned device
// present, or when every absent device was disconnected by the user.
func Decide(assigned []string, present func(id string) bool, manual func(id string) bool) ScanDecision {
	var d ScanDecision
	for _, id := range assigned {
		if present(id) {
			continue
		}
		if manual(id) {
			d.Suppressed = append(d.Suppressed, id)
			continue
		}
		d.Wanted = append(d.Wanted, id)
	}
	d.Scan = len(d.Wanted) > 0
	return d
}
