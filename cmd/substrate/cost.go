package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/basket/substrate/internal/config"
	"github.com/basket/substrate/internal/store"
	"github.com/basket/substrate/internal/substraterr"
)

func runCost(ctx context.Context, args []string) error {
	const op = "cmd.cost"
	fs := flag.NewFlagSet("cost", flag.ContinueOnError)
	sessionID := fs.String("session", "", "session id (required)")
	byTask := fs.Bool("by-task", false, "break down cost by task")
	byAgent := fs.Bool("by-agent", false, "break down cost by agent")
	byBilling := fs.Bool("by-billing", false, "break down cost by billing mode")
	includePlanning := fs.Bool("include-planning", false, "include planning-category cost entries")
	outputFormat := fs.String("output-format", "table", "table|json|csv")
	if err := fs.Parse(args); err != nil {
		return substraterr.Wrap(substraterr.CodeValidation, op, err)
	}
	if *sessionID == "" {
		return substraterr.New(substraterr.CodeValidation, op, "usage: substrate cost --session <id> [--by-task|--by-agent|--by-billing] [--include-planning] [--output-format table|json|csv]")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := store.LoadOrInitialize(filepath.Join(cfg.HomeDir, "state.db"))
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	defer st.Close()

	sess, err := st.GetSession(ctx, *sessionID)
	if err != nil {
		return err
	}

	rows := map[string]float64{}
	switch {
	case *byTask:
		rows, err = st.CostByTask(ctx, sess.ID, *includePlanning)
	case *byAgent:
		rows, err = st.CostByAgent(ctx, sess.ID, *includePlanning)
	case *byBilling:
		var byMode map[store.BillingMode]float64
		byMode, err = st.CostByBillingMode(ctx, sess.ID, *includePlanning)
		for mode, v := range byMode {
			rows[string(mode)] = v
		}
	default:
		total, totalErr := st.SessionTotalCost(ctx, sess.ID)
		err = totalErr
		rows["total"] = total
	}
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}

	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	switch *outputFormat {
	case "json":
		out, _ := json.Marshal(rows)
		fmt.Println(string(out))
	case "csv":
		w := csv.NewWriter(os.Stdout)
		w.Write([]string{"key", "cost_usd"})
		for _, k := range keys {
			w.Write([]string{k, fmt.Sprintf("%.4f", rows[k])})
		}
		w.Flush()
	default:
		for _, k := range keys {
			fmt.Printf("%-30s %.4f\n", k, rows[k])
		}
	}
	return nil
}
