package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/voidnet/network"
	"github.com/VanDung-dev/voidnet/transport"
)

const messageType = "stress"

// StressTestConfig holds configuration for the stress test.
type StressTestConfig struct {
	Nodes      int
	Messages   int
	Topology   string
	Timeout    time.Duration
	Settle     time.Duration
	Verbose    bool
	ReportFile string
}

// StressTestResult holds the results of a stress test.
type StressTestResult struct {
	Edges           int
	ConvergeTime    time.Duration
	DeliveryTime    time.Duration
	Delivered       int64
	Expected        int64
	CopiesPerMsg    float64
	MessagesPerSec  float64
	DuplicatesTotal uint64
}

func main() {
	config := StressTestConfig{}

	cmd := &cobra.Command{
		Use:          "stress_test",
		Short:        "Measure gossip convergence across in-process voidnet nodes.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Println("=== Voidnet Gossip Stress Test ===")
			fmt.Printf("Nodes:    %d\n", config.Nodes)
			fmt.Printf("Messages: %d\n", config.Messages)
			fmt.Printf("Topology: %s\n", config.Topology)
			fmt.Println()

			result, err := runStressTest(cmd.Context(), config)
			if err != nil {
				return err
			}

			printResults(result)

			if config.ReportFile != "" {
				return saveReport(config, result)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&config.Nodes, "nodes", "n", 10, "number of nodes")
	flags.IntVarP(&config.Messages, "messages", "m", 100, "number of messages broadcast by the first node")
	flags.StringVarP(&config.Topology, "topology", "t", "ring", "topology: ring, line or star")
	flags.DurationVarP(&config.Timeout, "timeout", "d", time.Minute, "maximum duration of the test")
	flags.DurationVar(&config.Settle, "settle", 200*time.Millisecond, "time to let flood echoes drain before counting copies")
	flags.BoolVarP(&config.Verbose, "verbose", "v", false, "log node activity")
	flags.StringVarP(&config.ReportFile, "output", "o", "", "output report file (JSON)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// links returns the index pairs to connect for a topology.
func links(topology string, n int) ([][2]int, error) {
	var pairs [][2]int
	switch topology {
	case "ring":
		for i := 0; i < n; i++ {
			if n > 2 || i < n-1 {
				pairs = append(pairs, [2]int{i, (i + 1) % n})
			}
		}
	case "line":
		for i := 0; i+1 < n; i++ {
			pairs = append(pairs, [2]int{i, i + 1})
		}
	case "star":
		for i := 1; i < n; i++ {
			pairs = append(pairs, [2]int{0, i})
		}
	default:
		return nil, fmt.Errorf("unknown topology %q", topology)
	}
	return pairs, nil
}

func runStressTest(parent context.Context, config StressTestConfig) (StressTestResult, error) {
	if config.Nodes < 2 {
		return StressTestResult{}, fmt.Errorf("need at least 2 nodes, got %d", config.Nodes)
	}
	pairs, err := links(config.Topology, config.Nodes)
	if err != nil {
		return StressTestResult{}, err
	}

	ctx, cancel := context.WithTimeout(parent, config.Timeout)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if config.Verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	hub := transport.NewHub()
	nodes := make([]*network.Node, config.Nodes)
	var delivered atomic.Int64

	for i := range nodes {
		cfg := network.DefaultConfig()
		cfg.Host = fmt.Sprintf("stress-%d", i)
		cfg.Transport = transport.SchemeMemory
		cfg.Logger = logger

		node, err := network.NewNode(cfg, transport.NewMemoryTransport(hub))
		if err != nil {
			return StressTestResult{}, fmt.Errorf("failed to create node %d: %w", i, err)
		}
		if err := node.Start(ctx); err != nil {
			return StressTestResult{}, fmt.Errorf("failed to start node %d: %w", i, err)
		}
		defer node.Stop()

		if i > 0 {
			node.OnMessage(messageType, func(network.Message) {
				delivered.Add(1)
			})
		}
		nodes[i] = node
	}

	start := time.Now()

	group, gctx := errgroup.WithContext(ctx)
	for _, p := range pairs {
		from, to := nodes[p[0]], nodes[p[1]]
		group.Go(func() error {
			_, err := from.Connect(gctx, to.Identity().URI())
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return StressTestResult{}, fmt.Errorf("failed to build topology: %w", err)
	}

	if err := waitFor(ctx, func() bool {
		for _, n := range nodes {
			if len(n.Edges()) != len(pairs) {
				return false
			}
		}
		return true
	}); err != nil {
		return StressTestResult{}, fmt.Errorf("topology did not converge: %w", err)
	}
	convergeTime := time.Since(start)

	before := received(nodes)
	expected := int64(config.Messages) * int64(config.Nodes-1)

	start = time.Now()
	for i := 0; i < config.Messages; i++ {
		if _, err := nodes[0].Broadcast(messageType, i); err != nil {
			return StressTestResult{}, fmt.Errorf("failed to broadcast: %w", err)
		}
	}

	waitErr := waitFor(ctx, func() bool {
		return delivered.Load() >= expected
	})
	deliveryTime := time.Since(start)

	time.Sleep(config.Settle)
	after := received(nodes)

	result := StressTestResult{
		Edges:        len(pairs),
		ConvergeTime: convergeTime,
		DeliveryTime: deliveryTime,
		Delivered:    delivered.Load(),
		Expected:     expected,
	}
	if config.Messages > 0 {
		copies := after.accepted + after.rejected - before.accepted - before.rejected
		result.CopiesPerMsg = float64(copies) / float64(config.Messages)
		result.DuplicatesTotal = after.rejected - before.rejected
	}
	if deliveryTime > 0 {
		result.MessagesPerSec = float64(result.Delivered) / deliveryTime.Seconds()
	}

	if waitErr != nil {
		printResults(result)
		return result, fmt.Errorf("delivery incomplete: %w", waitErr)
	}
	return result, nil
}

type counters struct {
	accepted uint64
	rejected uint64
}

func received(nodes []*network.Node) counters {
	var c counters
	for _, n := range nodes {
		status := n.Status()
		c.accepted += status.Accepted
		c.rejected += status.Rejected
	}
	return c
}

func waitFor(ctx context.Context, done func() bool) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for !done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func printResults(result StressTestResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Edges:           %d\n", result.Edges)
	fmt.Printf("Converge Time:   %v\n", result.ConvergeTime.Round(time.Millisecond))
	fmt.Printf("Delivery Time:   %v\n", result.DeliveryTime.Round(time.Millisecond))
	fmt.Printf("Delivered:       %d/%d\n", result.Delivered, result.Expected)
	fmt.Printf("Messages/sec:    %.2f\n", result.MessagesPerSec)
	fmt.Printf("Copies/message:  %.2f\n", result.CopiesPerMsg)
	fmt.Printf("Duplicates:      %d\n", result.DuplicatesTotal)
}

func saveReport(config StressTestConfig, result StressTestResult) error {
	report := map[string]any{
		"config": map[string]any{
			"nodes":    config.Nodes,
			"messages": config.Messages,
			"topology": config.Topology,
		},
		"results": map[string]any{
			"edges":            result.Edges,
			"converge_ms":      float64(result.ConvergeTime.Microseconds()) / 1000,
			"delivery_ms":      float64(result.DeliveryTime.Microseconds()) / 1000,
			"delivered":        result.Delivered,
			"expected":         result.Expected,
			"messages_per_sec": result.MessagesPerSec,
			"copies_per_msg":   result.CopiesPerMsg,
			"duplicates":       result.DuplicatesTotal,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(config.ReportFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	fmt.Printf("Report saved to: %s\n", config.ReportFile)
	return nil
}
