// mari-sim runs a gateway and a handful of nodes over the in-memory medium,
// slot by slot, printing the events both sides observe. Useful for watching
// the join/keepalive/eviction machinery without radios.
package main

import (
	"fmt"
	"os"

	"github.com/dbehnke/mari-nexus/internal/mari"
	"github.com/dbehnke/mari-nexus/internal/radio"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	nodes := flag.Int("nodes", 2, "number of nodes to simulate")
	slots := flag.Int("slots", 2000, "number of slots to run")
	scheduleName := flag.String("schedule", "tiny", "schedule name (minuscule|tiny|small|big|huge)")
	networkID := flag.Uint16("network-id", 1, "network id")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}

	gwSched, err := mari.ScheduleByName(*scheduleName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	printSlotTiming(mari.DefaultSlotDurations())

	medium := radio.NewMedium()

	handler := func(who string) mari.EventHandler {
		return func(ev mari.Event) {
			if ev.Tag != mari.TagNone {
				fmt.Printf("%-10s asn=%-6d %s (%s) node=%016x\n", who, ev.ASN, ev.Kind, ev.Tag, ev.NodeID)
				return
			}
			if ev.Kind == mari.EventNewPacket {
				fmt.Printf("%-10s asn=%-6d %s node=%016x payload=%q\n", who, ev.ASN, ev.Kind, ev.NodeID, ev.Payload)
				return
			}
			fmt.Printf("%-10s asn=%-6d %s node=%016x\n", who, ev.ASN, ev.Kind, ev.NodeID)
		}
	}

	gwCfg := mari.DefaultConfig()
	gwCfg.Role = mari.RoleGateway
	gwCfg.DeviceID = 0x0000000000000001
	gwCfg.NetworkID = *networkID
	gateway, err := mari.NewRuntime(gwCfg, gwSched, medium.NewRadio(), nil, handler("gateway"), logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	runtimes := []*mari.Runtime{gateway}
	for i := 0; i < *nodes; i++ {
		id := uint64(0xAA + i)
		nodeSched, _ := mari.ScheduleByName(*scheduleName)
		cfg := mari.DefaultConfig()
		cfg.DeviceID = id
		cfg.NetworkID = *networkID
		who := fmt.Sprintf("node-%02x", id)
		inner := handler(who)
		var node *mari.Runtime
		node, err = mari.NewRuntime(cfg, nodeSched, medium.NewRadio(), nil, func(ev mari.Event) {
			inner(ev)
			// say hello once admitted, like the example app
			if ev.Kind == mari.EventConnected {
				_ = node.EnqueueData(ev.GatewayID, []byte("Hello"))
			}
		}, logger)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		runtimes = append(runtimes, node)
	}

	for s := 0; s < *slots; s++ {
		medium.BeginSlot()
		for _, rt := range runtimes {
			rt.SlotStart()
		}
		for _, rt := range runtimes {
			rt.SlotEnd()
		}
	}

	fmt.Printf("\nran %d slots; gateway tracks %d node(s)\n", *slots, len(gateway.GatewayPeers()))
	for _, p := range gateway.GatewayPeers() {
		fmt.Printf("  %016x cell=%d last_heard_asn=%d\n", p.ID, p.CellIndex, p.LastHeardASN)
	}
}

func printSlotTiming(d mari.SlotDurations) {
	fmt.Println("Slot timing:")
	fmt.Printf("  tx_offset: %v\n", d.TxOffset)
	fmt.Printf("  tx_max: %v\n", d.TxMax)
	fmt.Printf("  rx_guard: %v\n", d.RxGuard)
	fmt.Printf("  rx_offset: %v\n", d.RxOffset)
	fmt.Printf("  rx_max: %v\n", d.RxMax)
	fmt.Printf("  end_guard: %v\n", d.EndGuard)
	fmt.Printf("  whole_slot: %v\n", d.WholeSlot())
}
