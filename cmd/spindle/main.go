package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"go.uber.org/zap"

	"github.com/spindle-db/spindle/circuit"
	"github.com/spindle-db/spindle/plan"
	"github.com/spindle-db/spindle/storage"
	"github.com/spindle-db/spindle/zset"
)

// command is one NDJSON input line: either a row push onto a source node or a
// step commit.
type command struct {
	Source string         `json:"source,omitempty"`
	Key    string         `json:"key,omitempty"`
	Doc    map[string]any `json:"doc,omitempty"`
	Weight int64          `json:"weight,omitempty"`
	Commit bool           `json:"commit,omitempty"`
}

func main() {
	var planPath string
	var dbPath string
	var inputPath string
	var workers int
	var maxIterations int
	var checkpointID string
	var restoreID string
	var listCheckpoints bool
	var verbose bool
	var help bool

	flag.StringVar(&planPath, "plan", "", "compiled plan file (required)")
	flag.StringVar(&dbPath, "db", "", "state database path (default: in-memory)")
	flag.StringVar(&inputPath, "input", "", "NDJSON input file (default: stdin)")
	flag.IntVar(&workers, "workers", 0, "evaluation workers (default: all CPUs)")
	flag.IntVar(&maxIterations, "max-iterations", 0, "fixed-point iteration bound")
	flag.StringVar(&checkpointID, "checkpoint", "", "write a checkpoint under this id after the input is consumed")
	flag.StringVar(&restoreID, "restore", "", "restore this checkpoint before consuming input")
	flag.BoolVar(&listCheckpoints, "list-checkpoints", false, "list checkpoints in the database and exit")
	flag.BoolVar(&verbose, "verbose", false, "verbose mode (log step progress)")
	flag.BoolVar(&help, "h", false, "show help")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -plan circuit.json [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "An incremental view engine: feeds NDJSON row deltas through a compiled\n")
		fmt.Fprintf(os.Stderr, "circuit plan and prints the output delta of every step.\n\n")
		fmt.Fprintf(os.Stderr, "Input lines:\n")
		fmt.Fprintf(os.Stderr, "  {\"source\":\"edges\",\"doc\":{\"src\":\"a\",\"dst\":\"b\"},\"weight\":1}\n")
		fmt.Fprintf(os.Stderr, "  {\"commit\":true}\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -plan reach.json < batches.ndjson\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -plan reach.json -db state.db -checkpoint nightly\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -plan reach.json -db state.db -restore nightly\n", os.Args[0])
	}
	flag.Parse()

	if help {
		flag.Usage()
		os.Exit(0)
	}
	if planPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	store, err := openStore(dbPath)
	if err != nil {
		log.Fatalf("Failed to open state database: %v", err)
	}
	defer store.Close()

	if listCheckpoints {
		ids, err := storage.ListCheckpoints(store)
		if err != nil {
			log.Fatalf("Failed to list checkpoints: %v", err)
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return
	}

	p, err := plan.Load(planPath)
	if err != nil {
		log.Fatalf("Failed to load plan: %v", err)
	}

	logger := zap.NewNop()
	if verbose {
		logger, err = zap.NewDevelopment()
		if err != nil {
			log.Fatalf("Failed to create logger: %v", err)
		}
	}

	c, err := circuit.Build(p, store, circuit.Options{
		Workers:       workers,
		MaxIterations: maxIterations,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("Failed to build circuit: %v", err)
	}

	if restoreID != "" {
		if err := c.Restore(restoreID); err != nil {
			log.Fatalf("Failed to restore checkpoint %s: %v", restoreID, err)
		}
		fmt.Printf("Restored checkpoint %s at step %d\n", restoreID, c.StepCount())
	}

	in := os.Stdin
	if inputPath != "" {
		f, err := os.Open(inputPath)
		if err != nil {
			log.Fatalf("Failed to open input: %v", err)
		}
		defer f.Close()
		in = f
	}

	if err := run(c, in); err != nil {
		log.Fatalf("Run failed: %v", err)
	}

	if checkpointID != "" {
		m, err := c.Checkpoint(checkpointID)
		if err != nil {
			log.Fatalf("Failed to write checkpoint %s: %v", checkpointID, err)
		}
		fmt.Printf("Checkpoint %s written at step %d (%d spines)\n", m.ID, m.Step, len(m.Spines))
	}
}

func openStore(path string) (storage.ObjectStore, error) {
	if path == "" {
		return storage.NewMemStore(), nil
	}
	return storage.NewBadgerStore(path)
}

// run consumes the NDJSON command stream, stepping the circuit at every
// commit line and once more at EOF if pushes are still staged.
func run(c *circuit.Circuit, in *os.File) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	pending := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var cmd command
		if err := json.Unmarshal([]byte(line), &cmd); err != nil {
			return fmt.Errorf("input line %d: %w", lineNo, err)
		}

		switch {
		case cmd.Commit:
			if err := step(c); err != nil {
				return err
			}
			pending = 0
		case cmd.Source != "":
			weight := cmd.Weight
			if weight == 0 {
				weight = 1
			}
			delta := zset.New()
			if err := delta.AddRow(zset.Row{Key: cmd.Key, Doc: cmd.Doc}, weight); err != nil {
				return fmt.Errorf("input line %d: %w", lineNo, err)
			}
			if err := c.Push(cmd.Source, delta); err != nil {
				return fmt.Errorf("input line %d: %w", lineNo, err)
			}
			pending++
		default:
			return fmt.Errorf("input line %d: neither a push nor a commit", lineNo)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if pending > 0 {
		return step(c)
	}
	return nil
}

func step(c *circuit.Circuit) error {
	stepIdx := c.StepCount()
	outputs, err := c.Step(context.Background())
	if err != nil {
		return err
	}

	labels := make([]string, 0, len(outputs))
	for label := range outputs {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for _, label := range labels {
		delta := outputs[label]
		fmt.Printf("\n== step %d  %s ==\n", stepIdx, label)
		if delta.IsEmpty() {
			fmt.Println("_No changes_")
			continue
		}
		fmt.Println(deltaTable(delta))
	}
	return nil
}

// deltaTable renders a delta as a markdown table, one row per entry with the
// weight in the last column, green for insertions and red for deletions.
func deltaTable(delta *zset.ZSet) string {
	entries := delta.Entries()

	fieldSet := make(map[string]bool)
	hasKey := false
	for _, e := range entries {
		if e.Row.Key != "" {
			hasKey = true
		}
		for f := range e.Row.Doc {
			fieldSet[f] = true
		}
	}
	fields := make([]string, 0, len(fieldSet))
	for f := range fieldSet {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	headers := make([]string, 0, len(fields)+2)
	if hasKey {
		headers = append(headers, "key")
	}
	headers = append(headers, fields...)
	headers = append(headers, "delta")

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	out := &strings.Builder{}
	alignment := make([]tw.Align, len(headers))
	for i := range alignment {
		alignment[i] = tw.AlignNone
	}
	table := tablewriter.NewTable(out,
		tablewriter.WithRenderer(renderer.NewMarkdown()),
		tablewriter.WithAlignment(alignment),
		tablewriter.WithHeaderAutoFormat(tw.Off),
	)
	table.Header(headers)

	for _, e := range entries {
		row := make([]string, 0, len(headers))
		if hasKey {
			row = append(row, e.Row.Key)
		}
		for _, f := range fields {
			if v, ok := e.Row.Doc[f]; ok {
				row = append(row, fmt.Sprintf("%v", v))
			} else {
				row = append(row, "")
			}
		}
		if e.Weight > 0 {
			row = append(row, green.Sprintf("+%d", e.Weight))
		} else {
			row = append(row, red.Sprintf("%d", e.Weight))
		}
		table.Append(row)
	}
	table.Render()

	out.WriteString(fmt.Sprintf("_%d changes_", len(entries)))
	return out.String()
}
