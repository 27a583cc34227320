// settlementctl is the operator CLI for the settlement engine: it creates
// and drives transactions through their workflow, manages cash-pickup
// agents, and renders agent utilization reports.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/remitwire/settlement-engine/internal/config"
	"github.com/remitwire/settlement-engine/internal/logging"
	"github.com/remitwire/settlement-engine/internal/metrics"
	"github.com/remitwire/settlement-engine/internal/notify"
	"github.com/remitwire/settlement-engine/pkg/ledger"
	"github.com/remitwire/settlement-engine/pkg/ledger/factory"
	"github.com/remitwire/settlement-engine/pkg/settlement"
)

const usage = `Usage: settlementctl <command> [flags]

Commands:
  create       create a new transaction
  receipt      mark the payment receipt as uploaded
  approve      record an approval vote
  reject       reject a transaction
  cancel       cancel a pending transaction
  complete     complete a non-cash transaction
  agents       list eligible agents for a city and amount
  add-agent    register or update a cash-pickup agent
  assign       assign an agent to an approved cash pickup
  release      release an assigned agent
  verify       verify a pickup code and finalize payout
  history      print a transaction's audit trail
  utilization  render agent utilization for a city
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Logging)

	ctx := context.Background()
	store, err := factory.New(ctx, cfg.Ledger)
	if err != nil {
		log.Error("ledger setup failed", "error", err)
		os.Exit(1)
	}
	if err := store.Initialize(ctx); err != nil {
		log.Error("ledger initialization failed", "backend", cfg.Ledger.Backend, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	engineCfg := settlement.Config{
		Policy:        policyFromConfig(cfg.Approval),
		Logger:        log,
		CommitRetries: cfg.Approval.CommitRetries,
	}
	if cfg.Notify.RedisAddr != "" {
		notifier, err := notify.NewRedisNotifier(ctx, cfg.Notify)
		if err != nil {
			log.Error("redis notifier setup failed", "error", err)
			os.Exit(1)
		}
		defer notifier.Close()
		engineCfg.Notifier = notifier
	}
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		engineCfg.Observer = collector
	}
	engine := settlement.NewEngine(store, engineCfg)

	app := &app{engine: engine, store: store}
	runErr := app.run(ctx, os.Args[1], os.Args[2:])

	if collector != nil {
		sink, err := metrics.NewTimestreamSink(ctx, metrics.TimestreamConfig{
			Region:       cfg.Metrics.Region,
			DatabaseName: cfg.Metrics.DatabaseName,
			TableName:    cfg.Metrics.TableName,
		})
		if err != nil {
			log.Warn("metrics sink setup failed", "error", err)
		} else if err := sink.Flush(ctx, collector.Snapshot()); err != nil {
			log.Warn("metrics flush failed", "error", err)
		}
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "%v\n", runErr)
		os.Exit(1)
	}
}

func policyFromConfig(cfg config.ApprovalConfig) settlement.ApprovalPolicy {
	policy := settlement.DefaultApprovalPolicy()
	policy.DualApprovalThreshold = cfg.DualApprovalThreshold
	policy.RoleCeilings[ledger.RoleAdmin] = settlement.Ceiling{Amount: cfg.AdminCeiling}
	policy.RoleCeilings[ledger.RoleComplianceOfficer] = settlement.Ceiling{Amount: cfg.ComplianceCeiling}
	policy.UnlimitedBypassesDual = cfg.UnlimitedBypassesDual
	return policy
}

type app struct {
	engine *settlement.Engine
	store  ledger.Store
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "create":
		return a.create(ctx, args)
	case "receipt":
		return a.receipt(ctx, args)
	case "approve":
		return a.approve(ctx, args)
	case "reject":
		return a.reject(ctx, args)
	case "cancel":
		return a.cancel(ctx, args)
	case "complete":
		return a.complete(ctx, args)
	case "agents":
		return a.agents(ctx, args)
	case "add-agent":
		return a.addAgent(ctx, args)
	case "assign":
		return a.assign(ctx, args)
	case "release":
		return a.release(ctx, args)
	case "verify":
		return a.verify(ctx, args)
	case "history":
		return a.history(ctx, args)
	case "utilization":
		return a.utilization(ctx, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) create(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	senderName := fs.String("sender", "", "sender full name")
	senderPhone := fs.String("sender-phone", "", "sender phone number")
	senderCountry := fs.String("sender-country", "", "sender country code")
	recipientName := fs.String("recipient", "", "recipient full name")
	recipientPhone := fs.String("recipient-phone", "", "recipient phone number")
	recipientCountry := fs.String("recipient-country", "", "recipient country code")
	amount := fs.Float64("amount", 0, "amount in the sending currency")
	fromCurrency := fs.String("from", "", "sending currency code")
	toCurrency := fs.String("to", "", "settlement currency code")
	rate := fs.Float64("rate", 0, "exchange rate")
	fee := fs.Float64("fee", 0, "admin fee in the settlement currency")
	method := fs.String("method", string(ledger.BankTransfer), "payout method")
	city := fs.String("city", "", "pickup city (cash pickup only)")
	bankName := fs.String("bank", "", "recipient bank name")
	bankAccount := fs.String("account", "", "recipient account number")
	bankRouting := fs.String("routing", "", "recipient routing code")
	fs.Parse(args)

	params := settlement.CreateParams{
		Sender:       ledger.Party{Name: *senderName, Phone: *senderPhone, Country: *senderCountry},
		Recipient:    ledger.Party{Name: *recipientName, Phone: *recipientPhone, Country: *recipientCountry},
		AmountSent:   *amount,
		FromCurrency: *fromCurrency,
		ToCurrency:   *toCurrency,
		ExchangeRate: *rate,
		AdminFee:     *fee,
		PayoutMethod: ledger.PayoutMethod(*method),
		PickupCity:   *city,
	}
	if *bankName != "" || *bankAccount != "" {
		params.Bank = &ledger.BankDetails{
			BankName:      *bankName,
			AccountNumber: *bankAccount,
			RoutingCode:   *bankRouting,
		}
	}

	tx, err := a.engine.CreateTransaction(ctx, params)
	if err != nil {
		return err
	}
	fmt.Printf("created transaction %d (%s), recipient receives %.2f %s\n",
		tx.ID, tx.Reference, tx.AmountReceived, tx.ToCurrency)
	return nil
}

func (a *app) receipt(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("receipt", flag.ExitOnError)
	txID := fs.Int64("tx", 0, "transaction id")
	ref := fs.String("ref", "", "receipt reference")
	fs.Parse(args)

	if err := a.engine.MarkReceiptUploaded(ctx, *txID, *ref); err != nil {
		return err
	}
	fmt.Printf("transaction %d is under review\n", *txID)
	return nil
}

func (a *app) approve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	txID := fs.Int64("tx", 0, "transaction id")
	approver := fs.String("approver", "", "approver id")
	role := fs.String("role", string(ledger.RoleAdmin), "approver role")
	fs.Parse(args)

	res, err := a.engine.Approve(ctx, *txID, *approver, ledger.Role(*role))
	if err != nil {
		return err
	}
	if res.Complete {
		fmt.Printf("transaction %d approved (level %d)\n", *txID, res.Level)
	} else {
		fmt.Printf("approval %d of 2 recorded; a second approver is required\n", res.Level)
	}
	return nil
}

func (a *app) reject(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reject", flag.ExitOnError)
	txID := fs.Int64("tx", 0, "transaction id")
	actor := fs.String("actor", "", "acting admin id")
	category := fs.String("category", "", "rejection category")
	reason := fs.String("reason", "", "rejection reason")
	notes := fs.String("notes", "", "internal admin notes")
	fs.Parse(args)

	err := a.engine.Reject(ctx, *txID, *actor, ledger.RejectionCategory(*category), *reason, *notes)
	if err != nil {
		return err
	}
	fmt.Printf("transaction %d rejected: %s\n", *txID, *reason)
	return nil
}

func (a *app) cancel(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	txID := fs.Int64("tx", 0, "transaction id")
	requester := fs.String("requester", "", "requester id (sender phone or admin id)")
	role := fs.String("role", "", "requester role, empty for the sender")
	fs.Parse(args)

	if err := a.engine.Cancel(ctx, *txID, *requester, ledger.Role(*role)); err != nil {
		return err
	}
	fmt.Printf("transaction %d cancelled\n", *txID)
	return nil
}

func (a *app) complete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("complete", flag.ExitOnError)
	txID := fs.Int64("tx", 0, "transaction id")
	actor := fs.String("actor", "", "acting admin id")
	fs.Parse(args)

	if err := a.engine.CompleteNonCash(ctx, *txID, *actor); err != nil {
		return err
	}
	fmt.Printf("transaction %d completed\n", *txID)
	return nil
}

func (a *app) agents(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("agents", flag.ExitOnError)
	city := fs.String("city", "", "pickup city")
	amount := fs.Float64("amount", 0, "payout amount")
	fs.Parse(args)

	agents, err := a.engine.ListEligibleAgents(ctx, *city, *amount)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Name", "Status", "Daily Used", "Daily Limit", "Per-Tx Limit", "Active"})
	for _, agent := range agents {
		table.Append([]string{
			strconv.FormatInt(agent.ID, 10),
			agent.Name,
			string(agent.Status),
			fmt.Sprintf("%.2f", agent.CurrentDailyAmount),
			fmt.Sprintf("%.2f", agent.MaxDailyAmount),
			fmt.Sprintf("%.2f", agent.MaxPerTransaction),
			strconv.Itoa(agent.ActiveTransactions),
		})
	}
	table.Render()
	return nil
}

func (a *app) addAgent(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add-agent", flag.ExitOnError)
	id := fs.Int64("id", 0, "agent id, 0 to allocate")
	name := fs.String("name", "", "agent name")
	phone := fs.String("phone", "", "agent phone")
	city := fs.String("city", "", "agent city")
	status := fs.String("status", string(ledger.AgentActive), "agent status")
	maxDaily := fs.Float64("max-daily", 0, "daily disbursement limit")
	maxPerTx := fs.Float64("max-per-tx", 0, "per-transaction limit")
	fs.Parse(args)

	agent := &ledger.Agent{
		ID:                *id,
		Name:              *name,
		Phone:             *phone,
		City:              *city,
		Status:            ledger.AgentStatus(*status),
		MaxDailyAmount:    *maxDaily,
		MaxPerTransaction: *maxPerTx,
	}
	if err := a.store.PutAgent(ctx, agent); err != nil {
		return err
	}
	fmt.Printf("agent %d (%s) saved\n", agent.ID, agent.Name)
	return nil
}

func (a *app) assign(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("assign", flag.ExitOnError)
	txID := fs.Int64("tx", 0, "transaction id")
	agentID := fs.Int64("agent", 0, "agent id")
	actor := fs.String("actor", "", "acting admin id")
	fs.Parse(args)

	code, err := a.engine.AssignAgent(ctx, *txID, *agentID, *actor)
	if err != nil {
		return err
	}
	fmt.Printf("agent %d assigned to transaction %d, pickup code %s\n", *agentID, *txID, code)
	return nil
}

func (a *app) release(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("release", flag.ExitOnError)
	txID := fs.Int64("tx", 0, "transaction id")
	actor := fs.String("actor", "", "acting admin id")
	fs.Parse(args)

	if err := a.engine.ReleaseAgent(ctx, *txID, *actor); err != nil {
		return err
	}
	fmt.Printf("agent released from transaction %d\n", *txID)
	return nil
}

func (a *app) verify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	txID := fs.Int64("tx", 0, "transaction id")
	code := fs.String("code", "", "pickup code presented by the recipient")
	actor := fs.String("actor", "", "verifying agent operator id")
	fs.Parse(args)

	if err := a.engine.VerifyPickup(ctx, *txID, *code, *actor); err != nil {
		return err
	}
	fmt.Printf("pickup verified, transaction %d completed\n", *txID)
	return nil
}

func (a *app) history(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	txID := fs.Int64("tx", 0, "transaction id")
	fs.Parse(args)

	entries, err := a.engine.History(ctx, *txID)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"When", "From", "To", "Actor", "Reason"})
	for _, e := range entries {
		table.Append([]string{
			e.CreatedAt.Format(time.RFC3339),
			string(e.FromStatus),
			string(e.ToStatus),
			e.ActorID,
			e.Reason,
		})
	}
	table.Render()
	return nil
}
