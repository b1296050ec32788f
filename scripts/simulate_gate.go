// Walks one vehicle through a running lot end to end: guidance, entry, a
// short stay, exit with the fee. Handy when bringing up a fresh deployment;
// if this completes, the whole mutation path works.
//
// Usage: CLOUD_API=http://localhost:8000 SECRET_TOKEN=... go run scripts/simulate_gate.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/parkgrid/parking/pkg/cloudapi"
)

func main() {
	base := os.Getenv("CLOUD_API")
	if base == "" {
		base = "http://localhost:8000"
	}
	client := cloudapi.NewClient(cloudapi.Config{
		BaseURL: base,
		Token:   os.Getenv("SECRET_TOKEN"),
		GateID:  "GATE01",
		Timeout: 5 * time.Second,
	})
	ctx := context.Background()

	plate := fmt.Sprintf("SIM-%06d", time.Now().UnixNano()%1000000)
	fmt.Printf("🚗 %s arrives at GATE01\n", plate)

	sug, err := client.SuggestSlot(ctx, "GATE01", true)
	if err != nil {
		log.Fatalf("❌ no slot offered: %v", err)
	}
	fmt.Printf("🅿️  guided to %s (reserved=%v, ttl=%ds)\n", sug.SlotID, sug.Reserved, sug.TTL)

	in, err := client.VehicleIn(ctx, cloudapi.InEvent{
		EventID: uuid.NewString(),
		GateID:  "GATE01",
		SlotID:  sug.SlotID,
		Plate:   plate,
	})
	if err != nil {
		log.Fatalf("❌ entry refused: %v", err)
	}
	fmt.Printf("✅ entered at %s, slot version %d\n", in.TimeIn, in.Version)

	fmt.Println("⏳ ...a short stay...")
	time.Sleep(2 * time.Second)

	out, err := client.VehicleOut(ctx, cloudapi.OutEvent{
		EventID: uuid.NewString(),
		GateID:  "GATE02",
		Plate:   plate,
	})
	if err != nil {
		log.Fatalf("❌ exit refused: %v", err)
	}
	fmt.Printf("💸 left at %s after %d minute(s), fee %d VND\n", out.TimeOut, out.DurationMinutes, out.Fee)
}
