package console

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/manager"
)

const instructions = "[yellow]s[white] Scan  |  [yellow]Enter[white] Connect  |  [yellow]1-5[white] Assign role  |  [yellow]c[white] Clear roles  |  [yellow]d[white] Disconnect\n" +
	"[yellow]+/-[white] Power  |  [yellow]G/g[white] Grade  |  [yellow]r[white] Release  |  [yellow]Tab[white] Focus  |  [yellow]Esc[white] Quit"

// View is the terminal console: scan results, devices, roles and trainer
// control on the left, logs on the right
type View struct {
	logger     *log.Logger
	app        *tview.Application
	model      *Model
	controller *Controller

	mainFlex      *tview.Flex
	scanList      *tview.List
	deviceList    *tview.List
	rolesPanel    *tview.TextView
	controlsPanel *tview.TextView
	logView       *tview.TextView
	tabWidgets    []tview.Primitive
	scanKeys      []string
	deviceKeys    []string

	// mu serializes the listener goroutines' widget updates
	mu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewView(logger *log.Logger, app *tview.Application, model *Model, controller *Controller) *View {
	if logger == nil {
		panic("View: logger cannot be nil")
	}
	if app == nil || model == nil || controller == nil {
		panic("View: app, model and controller are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	v := &View{
		logger:     logger,
		app:        app,
		model:      model,
		controller: controller,
		ctx:        ctx,
		cancel:     cancel,
	}
	v.initialize()
	v.setupKeyboardHandlers()
	v.refresh()

	v.wg.Add(1)
	go_func_utils.SafeGo(logger, func() { v.monitorLogResize() })
	v.setupEventListeners()
	return v
}

func (v *View) initialize() {
	// Draw is called by the listeners after each update; a changed func that
	// draws can hang once the app has stopped
	v.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)
	v.logView.SetBorder(true).SetTitle(" Logs ")

	instructionsText := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText(instructions)

	v.scanList = tview.NewList().
		ShowSecondaryText(false).
		SetSelectedFunc(func(index int, mainText, secondaryText string, shortcut rune) {
			address, ok := v.keyAt(v.scanKeys, index)
			if !ok {
				return
			}
			v.logger.Printf("UI: scan entry selected: index=%d, address=%s", index, address)
			v.controller.ScanDeviceSelected(address)
		})
	v.scanList.SetBorder(true).SetTitle(" Scan ")

	v.deviceList = tview.NewList().ShowSecondaryText(false)
	v.deviceList.SetBorder(true).SetTitle(" Devices ")

	v.rolesPanel = tview.NewTextView().SetDynamicColors(true)
	v.rolesPanel.SetBorder(true).SetTitle(" Roles ")

	v.controlsPanel = tview.NewTextView().SetDynamicColors(true)
	v.controlsPanel.SetBorder(true).SetTitle(" Controls ")

	v.tabWidgets = []tview.Primitive{v.scanList, v.deviceList}

	lists := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(v.scanList, 0, 1, true).
		AddItem(v.deviceList, 0, 1, false)

	left := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(instructionsText, 2, 0, false).
		AddItem(lists, 0, 2, true).
		AddItem(v.rolesPanel, len(manager.Roles)+3, 0, false).
		AddItem(v.controlsPanel, 0, 1, false)

	v.mainFlex = tview.NewFlex().
		AddItem(left, 0, 3, true).
		AddItem(v.logView, 0, 2, false)
}

func (v *View) setupKeyboardHandlers() {
	v.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyTab:
			v.cycleFocus()
			return nil
		case tcell.KeyEscape:
			v.controller.OnEscapeKey()
			return nil
		case tcell.KeyRune:
		default:
			return event
		}

		r := event.Rune()
		switch r {
		case 's':
			v.controller.ToggleDeviceScan()
		case '+', '=':
			v.controller.IncreaseTargetPower()
		case '-':
			v.controller.DecreaseTargetPower()
		case 'G':
			v.controller.IncreaseGrade()
		case 'g':
			v.controller.DecreaseGrade()
		case 'r':
			v.controller.ReleaseControl()
		case 'd':
			if id, ok := v.selectedDevice(); ok {
				v.controller.DisconnectDevice(id)
			}
		case 'c':
			if id, ok := v.selectedDevice(); ok {
				v.controller.ClearRolesOf(id)
			}
		default:
			if r < '1' || int(r-'1') >= len(manager.Roles) || !v.deviceList.HasFocus() {
				return event
			}
			if id, ok := v.selectedDevice(); ok {
				v.controller.AssignDevice(id, manager.Roles[r-'1'])
			}
		}
		return nil
	})
}

func (v *View) cycleFocus() {
	for i, w := range v.tabWidgets {
		if w.HasFocus() {
			v.app.SetFocus(v.tabWidgets[(i+1)%len(v.tabWidgets)])
			return
		}
	}
	v.app.SetFocus(v.tabWidgets[0])
}

func (v *View) keyAt(keys []string, index int) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if index < 0 || index >= len(keys) {
		return "", false
	}
	return keys[index], true
}

func (v *View) selectedDevice() (string, bool) {
	return v.keyAt(v.deviceKeys, v.deviceList.GetCurrentItem())
}

func (v *View) setupEventListeners() {
	changeCh := make(chan struct{}, 1)
	unregisterChanges := v.model.ListenToChanges(changeCh)
	v.wg.Add(1)
	go_func_utils.SafeGo(v.logger, func() {
		defer v.wg.Done()
		defer unregisterChanges()
		for {
			select {
			case <-v.ctx.Done():
				return
			case <-changeCh:
				v.refresh()
				v.app.Draw()
			}
		}
	})

	logCh := make(chan string, 1)
	unregisterLog := v.model.ListenToLog(logCh)
	v.wg.Add(1)
	go_func_utils.SafeGo(v.logger, func() {
		defer v.wg.Done()
		defer unregisterLog()
		for {
			select {
			case <-v.ctx.Done():
				return
			case <-logCh:
				v.updateLogDisplay()
				v.app.Draw()
			}
		}
	})

	closeCh := make(chan struct{}, 1)
	unregisterClose := v.model.ListenToCloseApplication(closeCh)
	v.wg.Add(1)
	go_func_utils.SafeGo(v.logger, func() {
		defer v.wg.Done()
		defer unregisterClose()
		select {
		case <-v.ctx.Done():
		case <-closeCh:
			v.app.Stop()
		}
	})
}

// refresh redraws every panel from a fresh snapshot, keeping list
// selections on the same entry
func (v *View) refresh() {
	s := v.model.Snapshot()

	v.mu.Lock()
	defer v.mu.Unlock()

	scanItems := make([]string, len(s.Scan))
	scanKeys := make([]string, len(s.Scan))
	for i, r := range s.Scan {
		scanItems[i] = formatScanRow(r)
		scanKeys[i] = r.Address
	}
	title := " Scan "
	if s.Scanning {
		title = " Scan [yellow](scanning)[white] "
	}
	v.scanList.SetTitle(title)
	v.scanKeys = setListItems(v.scanList, v.scanKeys, scanItems, scanKeys)

	deviceItems := make([]string, len(s.Devices))
	deviceKeys := make([]string, len(s.Devices))
	for i, r := range s.Devices {
		deviceItems[i] = formatDeviceRow(r)
		deviceKeys[i] = r.ID
	}
	v.deviceKeys = setListItems(v.deviceList, v.deviceKeys, deviceItems, deviceKeys)

	v.rolesPanel.SetText(formatRoles(s.Roles))
	v.controlsPanel.SetText(formatControl(s.Control, v.controller.TargetPower(), v.controller.Grade()))
}

// setListItems replaces the items of list and keeps the entry whose key
// was selected before selected. It returns the new keys.
func setListItems(list *tview.List, oldKeys, items, keys []string) []string {
	var selected string
	if current := list.GetCurrentItem(); current < len(oldKeys) {
		selected = oldKeys[current]
	}
	list.Clear()
	for i, item := range items {
		list.AddItem(item, "", 0, nil)
		if keys[i] == selected {
			list.SetCurrentItem(i)
		}
	}
	return keys
}

func (v *View) updateLogDisplay() {
	v.mu.Lock()
	defer v.mu.Unlock()

	_, _, _, height := v.logView.GetInnerRect()
	if height <= 0 {
		return
	}
	v.logView.Clear()
	for _, line := range v.model.GetLogTail(height) {
		if _, err := fmt.Fprint(v.logView, tview.Escape(line)); err != nil {
			v.logger.Printf("View: Error writing to log view: %v", err)
		}
	}
}

func (v *View) monitorLogResize() {
	defer v.wg.Done()
	var lastHeight int
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-v.ctx.Done():
			return
		case <-ticker.C:
			_, _, _, height := v.logView.GetInnerRect()
			if height != lastHeight && height > 0 {
				lastHeight = height
				v.updateLogDisplay()
				v.app.Draw()
			}
		}
	}
}

// Run blocks until the user quits
func (v *View) Run() error {
	// SetRoot must come before SetFocus or the focus is reset
	v.app.SetRoot(v.mainFlex, true)
	v.app.SetFocus(v.scanList)
	return v.app.Run()
}

// Shutdown stops the listener goroutines
func (v *View) Shutdown() {
	v.logger.Println("View: Shutting down")
	v.cancel()
	v.wg.Wait()
	v.logger.Println("View: Shutdown complete")
}
