// Command parkctl is the operator's provisioning and diagnostics tool:
// schema init, demo grid seeding, deployment health checks and account
// management. init/seed/adduser talk straight to Postgres; check goes
// through the public API like a gate would.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"github.com/parkgrid/parking/internal/config"
	"github.com/parkgrid/parking/internal/core"
	"github.com/parkgrid/parking/internal/fault"
	"github.com/parkgrid/parking/internal/store"
	"github.com/parkgrid/parking/pkg/cloudapi"
)

// Demo grid geometry. Columns run west to east, rows north to south; the
// entry gate sits on the west edge so nearest-slot suggestions favour A-01.
const (
	gridOriginX = 40
	gridOriginY = 40
	slotPitchX  = 70
	slotPitchY  = 110
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "init":
		cmdInit(ctx)
	case "seed":
		cmdSeed(ctx)
	case "check":
		cmdCheck(ctx)
	case "adduser":
		cmdAddUser(ctx)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`parkctl - parking cloud operator tool

Usage: parkctl <command> [flags]

Commands:
  init       Apply the database schema (idempotent)
  seed       Seed a demo slot grid plus the entry/exit gates
  check      Probe a running cloud deployment
  adduser    Create or update an operator account
  help       Show this help

Environment:
  DATABASE_URL or DB_HOST/DB_PORT/...   Postgres (init, seed, adduser)
  CLOUD_API                             Cloud base URL for check
                                        (default http://localhost:8000)
  SECRET_TOKEN                          API token for check

Examples:
  parkctl init
  parkctl seed --rows 3 --cols 8
  parkctl check
  parkctl adduser --name admin --password s3cret --role admin
  parkctl adduser --name lane1 --password s3cret --gate GATE01`)
}

// ----------------------------------------------------------------
// init
// ----------------------------------------------------------------

func cmdInit(ctx context.Context) {
	pg := mustOpen(ctx)
	defer pg.Close()

	if err := store.Migrate(ctx, pg.DB()); err != nil {
		fail("migrate: %v", err)
	}
	fmt.Println("schema applied")
}

// ----------------------------------------------------------------
// seed
// ----------------------------------------------------------------

func cmdSeed(ctx context.Context) {
	rows, cols := 4, 8

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--rows", "-r":
			i++
			if i < len(args) {
				rows = atoiOr(args[i], rows)
			}
		case "--cols", "-c":
			i++
			if i < len(args) {
				cols = atoiOr(args[i], cols)
			}
		}
	}
	if rows < 1 || rows > 26 {
		fail("--rows must be between 1 and 26 (rows are lettered A..Z)")
	}
	if cols < 1 || cols > 99 {
		fail("--cols must be between 1 and 99")
	}

	pg := mustOpen(ctx)
	defer pg.Close()

	if err := store.Migrate(ctx, pg.DB()); err != nil {
		fail("migrate: %v", err)
	}

	created, skipped := 0, 0
	for r := 0; r < rows; r++ {
		for c := 1; c <= cols; c++ {
			slot := core.Slot{
				SlotID: fmt.Sprintf("%c-%02d", 'A'+r, c),
				X:      gridOriginX + (c-1)*slotPitchX,
				Y:      gridOriginY + r*slotPitchY,
			}
			err := pg.CreateSlot(ctx, slot)
			switch {
			case err == nil:
				created++
			case fault.CodeOf(err) == "SLOT_EXISTS":
				skipped++
			default:
				fail("slot %s: %v", slot.SlotID, err)
			}
		}
	}

	gates := []core.Gate{
		{GateID: "GATE01", Name: "Entry lane", Location: "west", X: 0, Y: gridOriginY},
		{GateID: "GATE02", Name: "Exit lane", Location: "east", X: gridOriginX + cols*slotPitchX, Y: gridOriginY},
	}
	for _, g := range gates {
		if err := pg.UpsertGate(ctx, g); err != nil {
			fail("gate %s: %v", g.GateID, err)
		}
	}

	fmt.Printf("seeded %d slots (%d already present), %d gates\n", created, skipped, len(gates))
}

// ----------------------------------------------------------------
// check
// ----------------------------------------------------------------

func cmdCheck(ctx context.Context) {
	base := os.Getenv("CLOUD_API")
	if base == "" {
		base = "http://localhost:8000"
	}
	client := cloudapi.NewClient(cloudapi.Config{
		BaseURL: base,
		Token:   os.Getenv("SECRET_TOKEN"),
		Timeout: 5 * time.Second,
	})

	checks := []struct {
		name string
		run  func() error
	}{
		{"reachability (/health)", func() error {
			return client.Health(ctx)
		}},
		{"auth + slot map", func() error {
			m, err := client.SlotsMap(ctx)
			if err != nil {
				return err
			}
			if len(m.Slots) == 0 {
				return fmt.Errorf("no slots seeded, run: parkctl seed")
			}
			return nil
		}},
		{"gates registered", func() error {
			gs, err := client.Gates(ctx)
			if err != nil {
				return err
			}
			if len(gs) == 0 {
				return fmt.Errorf("no gates registered, run: parkctl seed")
			}
			return nil
		}},
	}

	fmt.Printf("checking %s\n", base)
	failed := 0
	for _, c := range checks {
		fmt.Printf("  %-25s ", c.name+"...")
		if err := c.run(); err != nil {
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("    >> %v\n", err)
			failed++
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// ----------------------------------------------------------------
// adduser
// ----------------------------------------------------------------

func cmdAddUser(ctx context.Context) {
	var name, password, gate string
	role := "operator"

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name", "-n":
			i++
			if i < len(args) {
				name = args[i]
			}
		case "--password", "-p":
			i++
			if i < len(args) {
				password = args[i]
			}
		case "--role":
			i++
			if i < len(args) {
				role = args[i]
			}
		case "--gate":
			i++
			if i < len(args) {
				gate = args[i]
			}
		}
	}
	if name == "" || password == "" {
		fail("--name and --password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		fail("hash password: %v", err)
	}

	u := core.User{Username: name, PasswordHash: string(hash), Role: role}
	if gate != "" {
		u.GateID = core.StrPtr(gate)
	}

	pg := mustOpen(ctx)
	defer pg.Close()

	if err := pg.CreateUser(ctx, u); err != nil {
		fail("create user: %v", err)
	}
	fmt.Printf("user %s ready (role %s)\n", name, role)
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

func mustOpen(ctx context.Context) *store.Postgres {
	dsn := config.DatabaseURL()
	if dsn == "" {
		fail("DATABASE_URL (or DB_HOST) is required")
	}
	pg, err := store.OpenPostgres(ctx, dsn)
	if err != nil {
		fail("postgres: %v", err)
	}
	return pg
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func atoiOr(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
