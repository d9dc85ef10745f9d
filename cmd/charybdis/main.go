package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"bytemomo/charybdis/internal/adapter/hilgrpc"
	"bytemomo/charybdis/internal/adapter/livewire"
	"bytemomo/charybdis/internal/adapter/logger"
	"bytemomo/charybdis/internal/adapter/memtarget"
	"bytemomo/charybdis/internal/audit"
	"bytemomo/charybdis/internal/config"
	"bytemomo/charybdis/internal/discovery"
	"bytemomo/charybdis/internal/engine"
	"bytemomo/charybdis/internal/fuzz"
	"bytemomo/charybdis/internal/gate"
	"bytemomo/charybdis/internal/protocol"
	"bytemomo/charybdis/internal/record"
	"bytemomo/charybdis/internal/store"
)

var version = "0.1.0"

var (
	planFile   string
	logLevel   string
	logFile    string
	gateConfig string
	targetID   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "charybdis",
		Short: "Charybdis - protocol attack and fuzz engine for embedded targets",
		Long: "Charybdis drives protocol state-machine attacks and coverage-guided fuzz\n" +
			"campaigns against IoT and embedded devices, with a risk gate in front of\n" +
			"every outbound test case.",
	}

	rootCmd.PersistentFlags().StringVarP(&planFile, "plan", "p", "", "Path to plan YAML file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace..error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Mirror logs to this file")

	attackCmd := &cobra.Command{
		Use:   "attack",
		Short: "Run a protocol attack session from an exploit template",
		RunE:  runAttack,
	}
	attackCmd.Flags().StringVarP(&targetID, "target", "t", "", "Target ID from the plan")
	attackCmd.Flags().String("template", "", "Exploit template ID")
	attackCmd.Flags().StringVar(&gateConfig, "gate-config", "", "Gate config file to hot-reload on change")
	rootCmd.AddCommand(attackCmd)

	fuzzCmd := &cobra.Command{
		Use:   "fuzz",
		Short: "Run a fuzz campaign against one target",
		RunE:  runFuzz,
	}
	fuzzCmd.Flags().StringVarP(&targetID, "target", "t", "", "Target ID from the plan")
	fuzzCmd.Flags().StringVar(&gateConfig, "gate-config", "", "Gate config file to hot-reload on change")
	rootCmd.AddCommand(fuzzCmd)

	findingsCmd := &cobra.Command{
		Use:   "findings",
		Short: "List deduplicated findings from the knowledge base",
		RunE:  runFindings,
	}
	findingsCmd.Flags().StringVarP(&targetID, "target", "t", "", "Limit to one target ID")
	rootCmd.AddCommand(findingsCmd)

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Replay and check the risk-decision audit trail",
		RunE:  runAudit,
	}
	auditCmd.Flags().StringVarP(&targetID, "target", "t", "", "Limit to one target ID")
	rootCmd.AddCommand(auditCmd)

	discoverCmd := &cobra.Command{
		Use:   "discover [CIDR...]",
		Short: "Sweep network ranges for driveable protocol endpoints",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runDiscover,
	}
	discoverCmd.Flags().StringSlice("ports", nil, "Ports to probe (default: driveable protocol ports)")
	discoverCmd.Flags().String("timing", "", "nmap timing template (T0..T5)")
	discoverCmd.Flags().Bool("all-hosts", false, "Skip host discovery and probe every address")
	rootCmd.AddCommand(discoverCmd)

	machinesCmd := &cobra.Command{
		Use:   "machines",
		Short: "List registered protocol state machines",
		Run:   runMachines,
	}
	rootCmd.AddCommand(machinesCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("charybdis v%s\n", version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtime holds everything a live command wires up from a plan.
type runtime struct {
	plan  *config.Plan
	store *store.Bolt
	trail *audit.Trail
	eng   *engine.Engine
	rec   *record.Recorder
}

func (rt *runtime) close() {
	rt.eng.Close()
	if rt.rec != nil {
		if err := rt.rec.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "capture close: %v\n", err)
		}
	}
	if err := rt.trail.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "audit close: %v\n", err)
	}
	if err := rt.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "store close: %v\n", err)
	}
}

func loadPlan() (*config.Plan, error) {
	if planFile == "" {
		return nil, fmt.Errorf("--plan is required")
	}
	loader := config.NewLoader(filepath.Dir(planFile))
	return loader.LoadPlan(filepath.Base(planFile))
}

// bootstrap loads the plan and wires the complete dispatch pipeline:
// store, audit trail, gate, fuzzer, adapters, optional recorder. Every
// target the plan declares is registered before the command runs.
func bootstrap(ctx context.Context) (*runtime, error) {
	plan, err := loadPlan()
	if err != nil {
		return nil, err
	}
	logger.Setup(logger.ParseLevel(logLevel), logFile)
	protocol.RegisterBuiltins()

	st, err := store.Open(plan.StorePath)
	if err != nil {
		return nil, err
	}

	trail := audit.NewTrail()
	if plan.AuditPath != "" {
		trail, err = audit.NewFileTrail(plan.AuditPath)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	g, err := gate.New(plan.Gate, trail)
	if err != nil {
		st.Close()
		return nil, err
	}
	if gateConfig != "" {
		if err := g.Watch(ctx, gateConfig); err != nil {
			st.Close()
			return nil, err
		}
	}

	mgr, err := fuzz.NewManager(plan.Campaign.Workers)
	if err != nil {
		st.Close()
		return nil, err
	}

	opts := []engine.Option{
		engine.WithAdapters(hilgrpc.New(), livewire.New(), memtarget.New()),
	}
	var rec *record.Recorder
	if plan.CapturePath != "" {
		rec, err = record.NewFileRecorder(plan.CapturePath)
		if err != nil {
			st.Close()
			return nil, err
		}
		opts = append(opts, engine.WithRecorder(rec))
	}

	eng := engine.New(st, g, trail, mgr, opts...)
	rt := &runtime{plan: plan, store: st, trail: trail, eng: eng, rec: rec}

	for _, t := range plan.Templates {
		if err := st.PutTemplate(t); err != nil {
			rt.close()
			return nil, err
		}
	}
	for i := range plan.Profiles {
		if err := st.PutProfile(&plan.Profiles[i]); err != nil {
			rt.close()
			return nil, err
		}
	}
	for i := range plan.Targets {
		if err := eng.RegisterTarget(ctx, &plan.Targets[i]); err != nil {
			rt.close()
			return nil, fmt.Errorf("register %s: %w", plan.Targets[i].ID, err)
		}
	}
	return rt, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runAttack(cmd *cobra.Command, args []string) error {
	templateID, _ := cmd.Flags().GetString("template")
	if targetID == "" || templateID == "" {
		return fmt.Errorf("--target and --template are required")
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	sess, err := rt.eng.StartAttackSession(targetID, templateID)
	if err != nil {
		return err
	}
	defer rt.eng.CloseSession(sess.ID)

	report, err := rt.eng.RunSession(ctx, sess.ID)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runFuzz(cmd *cobra.Command, args []string) error {
	if targetID == "" {
		return fmt.Errorf("--target is required")
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	c, err := rt.eng.CreateFuzzCampaign(ctx, targetID, rt.plan.SeedPayloads(), rt.plan.Campaign)
	if err != nil {
		return err
	}
	if err := rt.eng.RunCampaign(c.ID); err != nil {
		return err
	}
	stats, err := rt.eng.CampaignStatus(c.ID)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

// findings and audit read the knowledge base and the trail file without
// touching any target: no adapter is dialed, no test case is sent.
func runFindings(cmd *cobra.Command, args []string) error {
	plan, err := loadPlan()
	if err != nil {
		return err
	}
	st, err := store.Open(plan.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	ids := []string{targetID}
	if targetID == "" {
		ids = ids[:0]
		for _, t := range plan.Targets {
			ids = append(ids, t.ID)
		}
	}
	for _, id := range ids {
		findings, err := st.Findings(id)
		if err != nil {
			return err
		}
		for _, f := range findings {
			if err := printJSON(f); err != nil {
				return err
			}
		}
	}
	return nil
}

func runAudit(cmd *cobra.Command, args []string) error {
	plan, err := loadPlan()
	if err != nil {
		return err
	}
	if plan.AuditPath == "" {
		return fmt.Errorf("plan has no audit_path; nothing to replay")
	}

	f, err := os.Open(plan.AuditPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var (
		prevHash string
		linked   = true
		count    int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r audit.Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return fmt.Errorf("audit record %d: %w", count, err)
		}
		if r.PrevHash != prevHash {
			linked = false
		}
		prevHash = r.Hash
		count++
		if targetID != "" && r.TargetID != targetID {
			continue
		}
		if err := printJSON(r); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d records, chain linked: %v\n", count, linked)
	if !linked {
		return fmt.Errorf("audit trail hash chain is broken")
	}
	return nil
}

func runDiscover(cmd *cobra.Command, args []string) error {
	logger.Setup(logger.ParseLevel(logLevel), logFile)

	cfg := discovery.DefaultConfig()
	if ports, _ := cmd.Flags().GetStringSlice("ports"); len(ports) > 0 {
		cfg.Ports = ports
	}
	if timing, _ := cmd.Flags().GetString("timing"); timing != "" {
		cfg.Timing = timing
	}
	if all, _ := cmd.Flags().GetBool("all-hosts"); all {
		cfg.SkipHostDiscovery = true
	}

	ctx, cancel := signalContext()
	defer cancel()

	targets, err := discovery.Sweep{Config: cfg}.Execute(ctx, args)
	if err != nil {
		return err
	}

	// Emit plan-ready YAML so results paste straight into a targets block.
	out, err := yaml.Marshal(map[string]any{"targets": targets})
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

func runMachines(cmd *cobra.Command, args []string) {
	protocol.RegisterBuiltins()
	for _, proto := range protocol.Protocols() {
		def, ok := protocol.Lookup(proto)
		if !ok {
			continue
		}
		fmt.Printf("%s  states=%d transitions=%d dictionary=%d\n",
			proto, len(def.States), len(def.Legal), len(def.Dictionary))
		for _, abuse := range def.Abuses {
			fmt.Printf("  %-20s %s (from %s)\n", abuse.Name, abuse.Category, abuse.From)
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
