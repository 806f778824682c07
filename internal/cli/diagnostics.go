package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cratedb/xmover/internal/analyzer"
	"github.com/cratedb/xmover/internal/cratedb"
	"github.com/cratedb/xmover/internal/journal"
	"github.com/cratedb/xmover/internal/ux"
)

// RunTestConnection checks that the cluster answers SQL, or runs the
// step-by-step diagnosis when diagnose is set.
func RunTestConnection(ctx context.Context, diagnose bool) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	client, err := e.Client()
	if err != nil {
		return err
	}
	if diagnose {
		return renderDiagnosis(e.Out, client.Diagnose(ctx))
	}

	out := e.Out
	ep := client.Endpoint()
	out.Printf("Connecting to %s\n", ep.SQLURL)
	if err := client.TestConnection(ctx); err != nil {
		out.Error("Connection failed")
		out.Muted("Run 'xmover test-connection --diagnose' for a detailed diagnosis")
		return err
	}
	out.Success("Connection successful")

	insp, err := e.Connect()
	if err != nil {
		return err
	}
	nodes, err := insp.Nodes(ctx)
	if err != nil {
		out.Warning("Connected, but listing nodes failed: %v", err)
		return nil
	}
	t := ux.NewTable("Node", "Zone", "Disk", "Heap")
	for _, n := range nodes {
		name := n.Name
		if n.IsMaster {
			name += " ★"
		}
		t.Row(name, n.Zone, ux.FormatPercentage(n.DiskUsagePercent()), ux.FormatPercentage(n.HeapUsagePercent()))
	}
	out.Printf("%d nodes in the cluster\n", len(nodes))
	out.Render(t)
	return nil
}

func renderDiagnosis(out *ux.Printer, d *cratedb.Diagnosis) error {
	out.Title("Connection Diagnosis")
	out.Printf("Endpoint: %s\n", d.Endpoint.SQLURL)
	auth := "none"
	if d.Endpoint.HasAuth() {
		auth = "user " + d.Endpoint.Username
	}
	out.Printf("Auth: %s | TLS verify: %t\n", auth, d.Endpoint.SSLVerify)
	if d.NodeName != "" {
		out.Printf("Node: %s | CrateDB %s\n", d.NodeName, d.Version)
	}

	t := ux.NewTable("Check", "Status", "Latency", "Message")
	for _, c := range d.Checks {
		status := string(c.Status)
		switch c.Status {
		case cratedb.CheckOK:
			status = ux.Styles.Success.Render(status)
		case cratedb.CheckWarn:
			status = ux.Styles.Warning.Render(status)
		default:
			status = ux.Styles.Error.Render(status)
		}
		latency := ux.PartitionPlaceholder
		if c.Latency > 0 {
			latency = ux.FormatDuration(c.Latency)
		}
		t.Row(c.Name, status, latency, c.Message)
	}
	out.Render(t)

	for _, c := range d.Checks {
		if c.Status == cratedb.CheckOK || len(c.PossibleCauses) == 0 {
			continue
		}
		out.Section("Possible causes: " + c.Name)
		for _, cause := range c.PossibleCauses {
			out.Bullet("%s", cause)
		}
	}

	if len(d.Probes) > 0 {
		out.Section("Node Probes")
		pt := ux.NewTable("#", "Node", "Latency", "Result")
		for _, p := range d.Probes {
			result := ux.Styles.Success.Render("ok")
			if p.Err != nil {
				result = ux.Styles.Error.Render(p.Err.Error())
			}
			pt.Row(strconv.Itoa(p.Attempt), p.Node, ux.FormatDuration(p.Latency), result)
		}
		out.Render(pt)
		if d.LoadBalanced {
			out.Info("Requests are spread across several nodes (load balancer in front of the cluster)")
		}
	}

	if d.Failed() {
		return errors.New("connection diagnosis found failures")
	}
	out.Success("All checks passed")
	return nil
}

// RunExplainError explains a CrateDB allocation error. An empty message is
// read from standard input up to the first blank line.
func RunExplainError(message string) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	out := e.Out
	if strings.TrimSpace(message) == "" {
		fmt.Fprintln(out.Writer(), "Paste the CrateDB error message, then an empty line:")
		message = readUntilBlank(e.In)
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("no error message given")
	}

	x := analyzer.ExplainError(message)
	var body strings.Builder
	body.WriteString(x.Cause)
	for _, s := range x.Sections {
		fmt.Fprintf(&body, "\n\n%s:", s.Heading)
		for _, item := range s.Items {
			fmt.Fprintf(&body, "\n  %s %s", ux.IconBullet, item)
		}
	}
	color := ux.ColorInfo
	if x.Severe {
		color = ux.ColorError
	}
	out.Println(ux.Panel(x.Title, body.String(), color))

	if len(x.ExampleSQL) > 0 {
		out.Section("Example SQL")
		for _, stmt := range x.ExampleSQL {
			out.Println(stmt)
		}
	}
	if x.Kind == analyzer.ErrGeneric {
		out.Muted("The message did not match a known allocation error")
	}
	return nil
}

func readUntilBlank(in io.Reader) string {
	var lines []string
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			break
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func openedJournal() (*Engine, error) {
	e, err := GetEngine()
	if err != nil {
		return nil, err
	}
	if e.Journal == nil {
		return nil, errors.New("the operation journal is disabled (enable journal in the config and drop --no-journal)")
	}
	return e, nil
}

// RunJournalList prints the most recent journal entries.
func RunJournalList(ctx context.Context, limit int) error {
	e, err := openedJournal()
	if err != nil {
		return err
	}
	entries, err := e.Journal.List(ctx, limit)
	if err != nil {
		return err
	}
	out := e.Out
	if len(entries) == 0 {
		out.Info("The journal is empty")
		return nil
	}
	t := ux.NewTable("Operation", "Run", "Type", "Target", "State", "Created")
	for _, en := range entries {
		t.Row(shortID(en.OperationID), shortID(en.RunID), en.Type, en.Target, renderState(en.State), ux.FormatAge(en.CreatedAt))
	}
	out.Render(t)
	return nil
}

// RunJournalShow prints every entry of an operation or run.
func RunJournalShow(ctx context.Context, id string) error {
	e, err := openedJournal()
	if err != nil {
		return err
	}
	entries, err := e.Journal.Get(ctx, id)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			return fmt.Errorf("no journal entry for %q", id)
		}
		return err
	}
	out := e.Out
	for _, en := range entries {
		out.Section(fmt.Sprintf("%s %s", en.Type, en.Target))
		out.Printf("Operation: %s\nRun:       %s\nState:     %s\nCreated:   %s (%s)\n",
			en.OperationID, en.RunID, renderState(en.State),
			en.CreatedAt.Format("2006-01-02 15:04:05"), ux.FormatAge(en.CreatedAt))
		if en.CompletedAt != nil {
			out.Printf("Completed: %s\n", en.CompletedAt.Format("2006-01-02 15:04:05"))
		}
		if en.Error != "" {
			out.Error("%s", en.Error)
		}
		out.Println(en.Statement)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func renderState(s journal.State) string {
	switch s {
	case journal.StateCommitted:
		return ux.Styles.Success.Render(string(s))
	case journal.StateFailed:
		return ux.Styles.Error.Render(string(s))
	case journal.StatePending:
		return ux.Styles.Warning.Render(string(s))
	default:
		return ux.Styles.Muted.Render(string(s))
	}
}
