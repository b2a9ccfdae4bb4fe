package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"conductor/pkg/api"
	"conductor/pkg/events"
	"conductor/pkg/features"
	"conductor/pkg/gateway"
	"conductor/pkg/logx"
	"conductor/pkg/orchestrator"
	"conductor/pkg/provider"
	"conductor/pkg/session"
)

// renderer prints service responses and stream events.
type renderer struct {
	w      io.Writer
	asJSON bool
}

func newRenderer(w io.Writer, asJSON bool) *renderer {
	return &renderer{w: w, asJSON: asJSON}
}

// response prints resp and returns its error, so commands can `return r.response(...)`.
func (r *renderer) response(resp api.Response) error {
	if r.asJSON {
		enc := json.NewEncoder(r.w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
		return resp.Err()
	}
	if err := resp.Err(); err != nil {
		return err
	}
	r.data(resp.Data)
	return nil
}

func (r *renderer) data(v any) {
	switch d := v.(type) {
	case []session.Summary:
		r.sessions(d)
	case *session.Session:
		r.session(d)
	case []session.Message:
		r.history(d)
	case *session.Message:
		fmt.Fprintf(r.w, "%s message %d stored\n", color.GreenString("✓"), d.ID)
	case api.RunInfo:
		fmt.Fprintf(r.w, "%s run %s started (%s/%s)\n", color.GreenString("✓"), d.RunID, d.Provider, d.Model)
	case orchestrator.RunStatus:
		r.runStatus(d)
	case api.ClearResult:
		fmt.Fprintf(r.w, "%s cleared %s", color.GreenString("✓"), d.SessionID)
		if d.DeletedMessages > 0 {
			fmt.Fprintf(r.w, ", %d messages deleted", d.DeletedMessages)
		}
		fmt.Fprintln(r.w)
	case []api.ProviderModels:
		r.models(d)
	case []api.ProviderReport:
		r.providers(d)
	case []features.Feature:
		r.features(d)
	case gateway.UpdateOutput:
		fmt.Fprintf(r.w, "%s %s -> %s (%d features)\n", color.GreenString("✓"), d.FeatureID, d.Status, d.Count)
		if d.Restored {
			fmt.Fprintln(r.w, color.YellowString("⚠ feature list was restored from backup"))
		}
	case []logx.Entry:
		r.logs(d)
	case map[string]string:
		fmt.Fprintf(r.w, "%s %s\n", color.GreenString("✓"), d["id"])
	default:
		data, _ := json.MarshalIndent(d, "", "  ")
		fmt.Fprintln(r.w, string(data))
	}
}

func (r *renderer) table() *tabwriter.Writer {
	return tabwriter.NewWriter(r.w, 0, 4, 2, ' ', 0)
}

func (r *renderer) sessions(list []session.Summary) {
	if len(list) == 0 {
		fmt.Fprintln(r.w, color.HiBlackString("no sessions"))
		return
	}
	tw := r.table()
	fmt.Fprintln(tw, "ID\tNAME\tPROVIDER\tMODEL\tMSGS\tUPDATED\tPREVIEW")
	for _, s := range list {
		name := s.Name
		if s.Archived {
			name += " (archived)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			s.ID, name, s.Provider, s.Model, s.MessageCount,
			s.UpdatedAt.Local().Format(time.DateTime), oneLine(s.Preview))
	}
	_ = tw.Flush()
}

func (r *renderer) session(s *session.Session) {
	tw := r.table()
	fmt.Fprintf(tw, "ID:\t%s\n", s.ID)
	fmt.Fprintf(tw, "Name:\t%s\n", s.Name)
	fmt.Fprintf(tw, "Project:\t%s\n", s.ProjectPath)
	fmt.Fprintf(tw, "Workdir:\t%s\n", s.WorkingDirectory)
	fmt.Fprintf(tw, "Provider:\t%s\n", s.Provider)
	fmt.Fprintf(tw, "Model:\t%s\n", s.Model)
	if s.ProviderSessionID != "" {
		fmt.Fprintf(tw, "Resume:\t%s\n", s.ProviderSessionID)
	}
	fmt.Fprintf(tw, "Tags:\t%s\n", strings.Join(s.Tags, ", "))
	fmt.Fprintf(tw, "Archived:\t%t\n", s.Archived)
	fmt.Fprintf(tw, "Updated:\t%s\n", s.UpdatedAt.Local().Format(time.DateTime))
	_ = tw.Flush()
}

func (r *renderer) history(msgs []session.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(r.w, color.HiBlackString("no messages"))
		return
	}
	for _, m := range msgs {
		ts := color.HiBlackString(m.Timestamp.Local().Format(time.TimeOnly))
		switch m.Role {
		case session.RoleUser:
			fmt.Fprintf(r.w, "%s %s %s\n", ts, color.GreenString(">"), m.Content)
			for _, img := range m.Images {
				fmt.Fprintf(r.w, "   %s\n", color.HiBlackString("[image %s]", img))
			}
		case session.RoleTool:
			fmt.Fprintf(r.w, "%s %s %s\n", ts, color.CyanString("⏺ %s", m.ToolName), oneLine(m.Content))
		default:
			fmt.Fprintf(r.w, "%s %s\n", ts, m.Content)
		}
	}
}

func (r *renderer) runStatus(st orchestrator.RunStatus) {
	state := string(st.State)
	switch st.State {
	case orchestrator.StateRunning:
		state = color.GreenString(state)
	case orchestrator.StateStopping:
		state = color.YellowString(state)
	default:
		state = color.HiBlackString(state)
	}
	fmt.Fprintf(r.w, "state: %s", state)
	if st.RunID != "" {
		fmt.Fprintf(r.w, "  run: %s  %s/%s", st.RunID, st.Provider, st.Model)
	}
	if st.InTurn {
		fmt.Fprint(r.w, color.CyanString("  (turn in progress)"))
	}
	fmt.Fprintln(r.w)
}

func (r *renderer) models(list []api.ProviderModels) {
	tw := r.table()
	fmt.Fprintln(tw, "PROVIDER\tMODEL\tNAME\tCONTEXT\tVISION\tTOOLS")
	for _, pm := range list {
		for _, m := range pm.Models {
			id := m.ID
			if m.Default {
				id += "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", pm.Provider, id, m.DisplayName, m.ContextWindow, yesNo(m.SupportsVision), yesNo(m.SupportsTools))
		}
	}
	_ = tw.Flush()
}

func (r *renderer) providers(list []api.ProviderReport) {
	tw := r.table()
	fmt.Fprintln(tw, "PROVIDER\tINSTALLED\tVERSION\tAUTH\tMETHOD\tCAPABILITIES")
	for _, p := range list {
		installed := color.RedString("no")
		if p.Installation.Installed {
			installed = color.GreenString("yes")
		}
		auth := color.RedString("no")
		if p.Auth.Authenticated {
			auth = color.GreenString("yes")
		}
		if p.Verified != nil {
			if *p.Verified {
				auth += color.GreenString(" (verified)")
			} else {
				auth += color.RedString(" (verify failed: %s)", p.VerifyError)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", p.Info.ID, installed, p.Installation.Version, auth, p.Auth.Method, capabilityList(p.Info.Capabilities))
	}
	_ = tw.Flush()
}

func (r *renderer) features(list []features.Feature) {
	if len(list) == 0 {
		fmt.Fprintln(r.w, color.HiBlackString("no features"))
		return
	}
	tw := r.table()
	fmt.Fprintln(tw, "ID\tSTATUS\tSUMMARY")
	for _, f := range list {
		status := string(f.Status)
		if f.Status == features.StatusVerified {
			status = color.GreenString(status)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.ID, status, oneLine(f.Summary))
	}
	_ = tw.Flush()
}

func (r *renderer) logs(entries []logx.Entry) {
	for _, e := range entries {
		level := e.Level
		switch logx.Level(e.Level) {
		case logx.LevelError:
			level = color.RedString(level)
		case logx.LevelWarn:
			level = color.YellowString(level)
		}
		fmt.Fprintf(r.w, "%s [%s] %s: %s\n", color.HiBlackString(e.Timestamp), e.Component, level, e.Message)
	}
}

// event prints one stream event. Text arrives in fragments and is written raw.
func (r *renderer) event(ev events.Event) {
	if r.asJSON {
		data, _ := json.Marshal(ev)
		fmt.Fprintln(r.w, string(data))
		return
	}
	switch ev.Type {
	case events.RunStarted:
		fmt.Fprintln(r.w, color.HiBlackString("── %s/%s", ev.Meta["provider"], ev.Meta["model"]))
	case events.UserMessage:
	case events.Text:
		fmt.Fprint(r.w, ev.Text)
	case events.ToolUse:
		fmt.Fprintf(r.w, "\n%s\n", color.CyanString("⏺ %s", toolLabel(ev.Tool)))
	case events.ToolResult:
		if ev.Tool != nil && ev.Tool.IsError {
			fmt.Fprintf(r.w, "  %s\n", color.RedString("⎿ %s", oneLine(ev.Tool.Output)))
		} else if ev.Tool != nil {
			fmt.Fprintf(r.w, "  %s\n", color.HiBlackString("⎿ %s", oneLine(ev.Tool.Output)))
		}
	case events.Warning:
		fmt.Fprintf(r.w, "\n%s\n", color.YellowString("⚠ %s", ev.Text))
	case events.TurnComplete:
		fmt.Fprintln(r.w)
		if d := ev.Meta["duration"]; d != "" {
			fmt.Fprintln(r.w, color.HiBlackString("── done in %s", d))
		}
	case events.Error:
		fmt.Fprintf(r.w, "\n%s\n", color.RedString("✗ %s", ev.Error))
	case events.Stopped:
		fmt.Fprintf(r.w, "\n%s\n", color.YellowString("■ stopped"))
	}
}

func capabilityList(c provider.Capabilities) string {
	var out []string
	if c.Streaming {
		out = append(out, "streaming")
	}
	if c.SupportsTools {
		out = append(out, "tools")
	}
	if c.SupportsVision {
		out = append(out, "vision")
	}
	return strings.Join(out, ",")
}

func toolLabel(t *events.ToolCall) string {
	if t == nil {
		return "tool"
	}
	if len(t.Input) == 0 || string(t.Input) == "{}" || string(t.Input) == "null" {
		return t.Name
	}
	return fmt.Sprintf("%s(%s)", t.Name, truncate(string(t.Input), 80))
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return truncate(s, 100)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
