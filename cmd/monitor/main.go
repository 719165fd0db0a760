package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"agentstation/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type embeddedStation struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8093", "station base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start stationd in the same monitor process lifecycle")
	stationBinary := flag.String("station-bin", "", "path to stationd binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for embedded stationd")
	workspaceRoot := flag.String("workspace", "workspace", "workspace root for embedded stationd")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	var embeddedProc *embeddedStation
	var err error
	if *embedded {
		embeddedProc, err = startEmbeddedStation(*addr, *stationBinary, *dbPath, *workspaceRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded stationd: %v\n", err)
			os.Exit(1)
		}
		defer embeddedProc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "station health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	cyclesTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	cyclesTable.SetTitle("Cycles (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	signalsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	signalsView.SetTitle("Signals").SetBorder(true)

	tasksView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	tasksView.SetTitle("Tasks").SetBorder(true)

	errorsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	errorsView.SetTitle("Error Events").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Goal -> new dev cycle: ")
	promptInput.SetBorder(true).SetTitle("Enter = start dev cycle")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+L focus goal, Ctrl+T focus cycles",
		c.baseURL,
		*embedded,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(signalsView, 0, 3, false).
		AddItem(tasksView, 0, 2, false).
		AddItem(errorsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(cyclesTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedCycleID string
	var lastCycles []domain.Cycle
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshCycles := func() {
		cycles, err := c.listCycles()
		if err != nil {
			app.QueueUpdateDraw(func() {
				cyclesTable.Clear()
				cyclesTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.Slice(cycles, func(i, j int) bool {
			return cycles[i].UpdatedAt.After(cycles[j].UpdatedAt)
		})
		lastCycles = cycles
		app.QueueUpdateDraw(func() {
			renderCyclesTable(cyclesTable, cycles, selectedCycleID)
		})
	}

	refreshDetailsAsync := func(cycleID string) {
		if strings.TrimSpace(cycleID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		app.QueueUpdateDraw(func() {
			signalsView.SetText("Loading...")
			tasksView.SetText("Loading...")
			errorsView.SetText("Loading...")
		})

		go func(selected string, v uint64) {
			signals, sigErr := c.listCycleSignals(selected)
			tasks, taskErr := c.listCycleTasks(selected)
			events, evErr := c.listCycleErrors(selected)

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedCycleID {
					return
				}
				if sigErr != nil {
					signalsView.SetText(fmt.Sprintf("error: %v", sigErr))
				} else {
					signalsView.SetText(renderSignals(signals))
				}
				if taskErr != nil {
					tasksView.SetText(fmt.Sprintf("error: %v", taskErr))
				} else {
					tasksView.SetText(renderTasks(tasks))
				}
				if evErr != nil {
					errorsView.SetText(fmt.Sprintf("error: %v", evErr))
				} else {
					errorsView.SetText(renderErrorEvents(events))
				}
			})
		}(cycleID, version)
	}

	submitGoal := func(goal string) {
		goal = strings.TrimSpace(goal)
		if goal == "" {
			return
		}
		setStatusUI("Starting dev cycle...")
		promptInput.SetText("")
		go func(g string) {
			if err := c.startDevCycle(g); err != nil {
				setStatusAsync("Failed to start cycle: " + err.Error())
				return
			}
			refreshCycles()
			setStatusAsync("Dev cycle started")
		}(goal)
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitGoal(promptInput.GetText())
	})

	cyclesTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastCycles) {
			return
		}
		selectedCycleID = lastCycles[row-1].ID
		refreshDetailsAsync(selectedCycleID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(cyclesTable)
				setStatusUI("Focus -> cycles")
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refreshCycles()
			refreshDetailsAsync(selectedCycleID)
			setStatusUI("Manual refresh complete")
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> goal")
			return nil
		case tcell.KeyCtrlT:
			app.SetFocus(cyclesTable)
			setStatusUI("Focus -> cycles")
			return nil
		case tcell.KeyTAB:
			app.SetFocus(promptInput)
			return nil
		case tcell.KeyRune:
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshCycles()
		for _, cycle := range lastCycles {
			if !isTerminal(cycle.State) {
				selectedCycleID = cycle.ID
				break
			}
		}
		if selectedCycleID != "" {
			refreshDetailsAsync(selectedCycleID)
		}

		for range ticker.C {
			refreshCycles()
			if selectedCycleID == "" && len(lastCycles) > 0 {
				selectedCycleID = lastCycles[0].ID
			}
			refreshDetailsAsync(selectedCycleID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func isTerminal(state domain.CycleState) bool {
	switch state {
	case domain.StateCompleted, domain.StateAuditCompleted, domain.StateAborted:
		return true
	}
	return false
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedStation(addr string, stationBinary string, dbPath string, workspaceRoot string) (*embeddedStation, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	addrArg := ":" + port

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(stationBinary) != "" {
		cmd = exec.Command(stationBinary, "--addr", addrArg, "--db", dbPath, "--workspace", workspaceRoot, "--dry-run")
	} else {
		cmd = exec.Command("go", "run", "./cmd/stationd", "--addr", addrArg, "--db", dbPath, "--workspace", workspaceRoot, "--dry-run")
		cwd, _ := os.Getwd()
		cmd.Dir = cwd
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start stationd process: %w", err)
	}

	return &embeddedStation{cmd: cmd}, nil
}

func (e *embeddedStation) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func renderCyclesTable(table *tview.Table, cycles []domain.Cycle, selectedCycleID string) {
	table.Clear()
	headers := []string{"Cycle", "Kind", "State", "Updated", "Goal"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, c := range cycles {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(c.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(c.Kind)))
		table.SetCell(row, 2, tview.NewTableCell(string(c.State)))
		table.SetCell(row, 3, tview.NewTableCell(c.UpdatedAt.Format("15:04:05")))
		table.SetCell(row, 4, tview.NewTableCell(trimLine(c.Goal, 64)))
		if c.ID == selectedCycleID {
			table.Select(row, 0)
		}
	}
}

func renderSignals(items []domain.Signal) string {
	if len(items) == 0 {
		return "No signals"
	}
	var b strings.Builder
	for _, sig := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] #%d %s origin=%s\n",
			sig.CreatedAt.Format("15:04:05"),
			sig.Seq,
			sig.Kind,
			sig.Origin,
		))
		if detail := payloadSummary(sig.Payload); detail != "" {
			b.WriteString("  " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

func renderTasks(items []domain.Task) string {
	if len(items) == 0 {
		return "No tasks"
	}
	var b strings.Builder
	for _, t := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s status=%s attempts=%d\n  %s\n",
			t.UpdatedAt.Format("15:04:05"),
			shortID(t.ID),
			t.Status,
			t.AttemptCount,
			trimLine(t.Description, 100),
		))
		if t.Feedback != "" {
			b.WriteString("  feedback: " + trimLine(t.Feedback, 100) + "\n")
		}
	}
	return b.String()
}

func renderErrorEvents(items []domain.ErrorEvent) string {
	if len(items) == 0 {
		return "No error events"
	}
	var b strings.Builder
	for _, ev := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s role=%s\n  %s\n",
			ev.OccurredAt.Format("15:04:05"),
			ev.Tier,
			ev.Role,
			trimLine(ev.Cause, 140),
		))
	}
	return b.String()
}

func payloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func (c *client) startDevCycle(goal string) error {
	return c.postJSON("/cycles", map[string]any{"kind": "dev", "goal": goal}, nil)
}

func (c *client) listCycles() ([]domain.Cycle, error) {
	var out []domain.Cycle
	if err := c.getJSON("/cycles", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listCycleSignals(cycleID string) ([]domain.Signal, error) {
	var out []domain.Signal
	if err := c.getJSON(fmt.Sprintf("/cycles/%s/signals", cycleID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listCycleTasks(cycleID string) ([]domain.Task, error) {
	var out []domain.Task
	if err := c.getJSON(fmt.Sprintf("/cycles/%s/tasks", cycleID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listCycleErrors(cycleID string) ([]domain.ErrorEvent, error) {
	var out []domain.ErrorEvent
	if err := c.getJSON(fmt.Sprintf("/cycles/%s/errors", cycleID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
