// Command inspector prints the persisted environments and their positions.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/olekukonko/tablewriter"

	"github.com/tradegen/vte-engine/internal/config"
	"github.com/tradegen/vte-engine/internal/logger"
	"github.com/tradegen/vte-engine/internal/model"
	"github.com/tradegen/vte-engine/internal/risk"
	"github.com/tradegen/vte-engine/internal/store"
)

func main() {
	configDir := flag.String("config", ".", "directory containing config.yaml")
	index := flag.Uint64("env", 0, "show positions of one environment (0 = all)")
	address := flag.String("address", "", "show positions of the environment with this ledger address")
	showClosed := flag.Bool("closed", false, "include closed position records")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	logger.Init(logger.Options{Level: "warn"})

	var ledger common.Address
	if *address != "" {
		if !common.IsHexAddress(*address) {
			fmt.Fprintln(os.Stderr, "invalid -address:", *address)
			os.Exit(2)
		}
		ledger = common.HexToAddress(*address)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, closeStore, err := store.Open(ctx, cfg.Database.DSN, nil, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeStore()

	if err := inspect(ctx, st, *index, ledger, *showClosed); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func inspect(ctx context.Context, st store.Store, index uint64, ledger common.Address, showClosed bool) error {
	if settings, err := st.LoadSettings(ctx); err == nil {
		printSettings(settings)
	}

	envs, err := st.ListEnvironments(ctx)
	if err != nil {
		return fmt.Errorf("list environments: %w", err)
	}
	if index != 0 {
		env, err := st.GetEnvironment(ctx, index)
		if err != nil {
			return fmt.Errorf("environment %d: %w", index, err)
		}
		envs = []model.Environment{*env}
	}
	if ledger != (common.Address{}) {
		env, err := st.GetEnvironmentByAddress(ctx, ledger)
		if err != nil {
			return fmt.Errorf("environment %s: %w", ledger.Hex(), err)
		}
		envs = []model.Environment{*env}
	}

	books := make(map[uint64][]model.Position, len(envs))
	for _, env := range envs {
		positions, err := st.ListPositions(ctx, env.Address)
		if err != nil {
			return fmt.Errorf("positions of %s: %w", env.Address.Hex(), err)
		}
		books[env.Index] = positions
	}

	printEnvironments(envs, books)
	for _, env := range envs {
		printPositions(env, books[env.Index], showClosed)
	}
	return nil
}

func printSettings(s *model.Settings) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Parameter", "Value")
	table.Append("owner", s.Owner.Hex())
	table.Append("operator", s.Operator.Hex())
	table.Append("registrar", s.Registrar.Hex())
	table.Append("max VTEs per user", fmt.Sprintf("%d", s.MaxVTEPerUser))
	table.Append("max usage fee", s.MaxUsageFee.String())
	table.Append("max positions", fmt.Sprintf("%d", s.MaximumNumberOfPositions))
	table.Append("max leverage factor", s.MaximumLeverageFactor.String())
	table.Append("name cooldown", s.NameUpdateCooldown().String())
	table.Render()
}

func printEnvironments(envs []model.Environment, books map[uint64][]model.Position) {
	fmt.Printf("\n%d environment(s)\n", len(envs))
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("#", "Address", "Owner", "Name", "Fee", "Data feed", "Open", "Leverage")
	for _, env := range envs {
		exposure := risk.Of(books[env.Index])
		table.Append(
			fmt.Sprintf("%d", env.Index),
			env.Address.Hex(),
			env.Owner.Hex(),
			env.Name,
			env.UsageFee.String(),
			env.DataFeed.Hex(),
			fmt.Sprintf("%d", exposure.Positions),
			exposure.Leverage.String(),
		)
	}
	table.Render()
}

func printPositions(env model.Environment, positions []model.Position, showClosed bool) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Symbol", "Direction", "Leverage", "Status")
	rows := 0
	for _, p := range positions {
		status := "open"
		if !p.IsOpen() {
			if !showClosed {
				continue
			}
			status = "closed"
		}
		table.Append(p.Symbol, p.Direction(), p.LeverageFactor.String(), status)
		rows++
	}
	if rows == 0 {
		return
	}
	fmt.Printf("\nenvironment %d (%s)\n", env.Index, env.Name)
	table.Render()
}
