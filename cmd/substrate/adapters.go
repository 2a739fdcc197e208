package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/basket/substrate/internal/config"
	"github.com/basket/substrate/internal/substraterr"
	"github.com/basket/substrate/internal/workeradapter"
)

func runAdapters(ctx context.Context, args []string) error {
	const op = "cmd.adapters"
	if len(args) == 0 {
		return substraterr.New(substraterr.CodeValidation, op, "usage: substrate adapters list|check")
	}
	sub, rest := strings.ToLower(args[0]), args[1:]

	fs := flag.NewFlagSet("adapters."+sub, flag.ContinueOnError)
	if err := fs.Parse(rest); err != nil {
		return substraterr.Wrap(substraterr.CodeValidation, op, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	registry := workeradapter.NewRegistry(nil)
	for _, a := range cfg.Adapters {
		registry.Register(workeradapter.NewCLIAdapter(workeradapter.CLIAdapterConfig{
			ID: a.ID, Binary: a.Binary, PromptFlag: a.PromptFlag, PlanFlag: a.PlanFlag,
			BillingEnv: a.BillingEnv, UnsetEnvKeys: a.UnsetEnvKeys,
		}))
	}

	switch sub {
	case "list":
		for _, id := range registry.List() {
			fmt.Println(id)
		}
		return nil
	case "check":
		results, err := registry.DiscoverHealthy(ctx)
		if err != nil {
			return substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		for _, r := range results {
			if r.Result.Healthy {
				fmt.Printf("%-20s healthy    version=%s\n", r.AdapterID, r.Result.Version)
			} else {
				fmt.Printf("%-20s unhealthy  %s\n", r.AdapterID, r.Result.Error)
			}
		}
		return nil
	default:
		return substraterr.New(substraterr.CodeValidation, op, "usage: substrate adapters list|check")
	}
}
