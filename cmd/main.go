package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ergochat/readline"
	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/indexer"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("put"),
	readline.PcItem("get"),
	readline.PcItem("scan"),
	readline.PcItem("state"),
	readline.PcItem("build"),
	readline.PcItem("progress"),
	readline.PcItem("stop"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func demoStore(dir string) (*meridian.Store, error) {
	s, err := meridian.Open(dir, meridian.Options{})
	if err != nil {
		return nil, err
	}
	s.RegisterRecordType(meridian.RecordType{Name: "user"})
	s.RegisterIndex(&meridian.Index{
		Name:        "user_by_city",
		RecordTypes: []string{"user"},
		Idempotent:  true,
		Entries: func(rec *meridian.Record) []meridian.IndexEntry {
			city, _ := rec.Fields["city"].(string)
			return []meridian.IndexEntry{{Key: meridian.Tuple{city}}}
		},
	})
	return s, nil
}

func run(s *meridian.Store, line string) error {
	ctx := context.Background()
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "help":
		fmt.Println("put <id> <city> | get <id> | scan | state <index> | build <index> | progress <index> | stop <index> | exit")
	case "put":
		if len(fields) != 3 {
			return errors.New("usage: put <id> <city>")
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return err
		}
		return s.RunTransaction(ctx, meridian.PriorityDefault, func(t *meridian.Transaction) error {
			return t.SaveRecord(&meridian.Record{
				Type:       "user",
				PrimaryKey: meridian.Tuple{id},
				Fields:     map[string]any{"city": fields[2]},
			})
		})
	case "get":
		if len(fields) != 2 {
			return errors.New("usage: get <id>")
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return err
		}
		return s.RunTransaction(ctx, meridian.PriorityDefault, func(t *meridian.Transaction) error {
			rec, err := t.LoadRecord(meridian.Tuple{id})
			if err != nil {
				return err
			}
			if rec == nil {
				fmt.Println("not found")
				return nil
			}
			fmt.Printf("%v\n", rec.Fields)
			return nil
		})
	case "scan":
		return s.RunTransaction(ctx, meridian.PriorityDefault, func(t *meridian.Transaction) error {
			recs, _, err := t.ScanRecords(nil, nil, 100)
			if err != nil {
				return err
			}
			for _, sr := range recs {
				fmt.Printf("%v %v\n", sr.Record.PrimaryKey, sr.Record.Fields)
			}
			return nil
		})
	case "state":
		if len(fields) != 2 {
			return errors.New("usage: state <index>")
		}
		return s.RunTransaction(ctx, meridian.PriorityDefault, func(t *meridian.Transaction) error {
			st, err := t.GetIndexState(fields[1])
			if err != nil {
				return err
			}
			fmt.Println(st.String())
			return nil
		})
	case "build":
		if len(fields) != 2 {
			return errors.New("usage: build <index>")
		}
		idx, err := s.IndexByName(fields[1])
		if err != nil {
			return err
		}
		b, err := indexer.New(s, idx, indexer.Options{})
		if err != nil {
			return err
		}
		return b.BuildIndex(ctx)
	case "progress":
		if len(fields) != 2 {
			return errors.New("usage: progress <index>")
		}
		p, err := indexer.ReadBuildProgress(ctx, s, fields[1])
		if err != nil {
			return err
		}
		fmt.Printf("state=%s scanned=%d total=%d percent=%.1f\n",
			p.State, p.ScannedRecords, p.TotalRecords, p.Percent)
	case "stop":
		if len(fields) != 2 {
			return errors.New("usage: stop <index>")
		}
		return indexer.StopOngoingIndexBuilds(ctx, s, fields[1])
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
	return nil
}

func main() {
	if len(os.Args) != 2 {
		_, _ = fmt.Fprintln(os.Stderr, "usage: meridian <store-dir>")
		os.Exit(1)
	}
	store, err := demoStore(os.Args[1])
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer store.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:              "meridian> ",
		AutoComplete:        completer,
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" {
			return
		}
		if err := run(store, line); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
		}
	}
}
