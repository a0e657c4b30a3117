package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"brokerd/internal/api"
	"brokerd/internal/broker/etrade"
	"brokerd/internal/config"
	"brokerd/internal/domain"
	"brokerd/pkg/brokerd"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: broker-cli [-json] <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version      Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  status       Show provider connection status\n")
	fmt.Fprintf(os.Stderr, "  quote        Show quotes: quote AAPL MSFT\n")
	fmt.Fprintf(os.Stderr, "  positions    List positions\n")
	fmt.Fprintf(os.Stderr, "  balance      Show account balances and P&L\n")
	fmt.Fprintf(os.Stderr, "  orders       List orders (-status open|closed|<status>, -symbol)\n")
	fmt.Fprintf(os.Stderr, "  order        Place an order: order buy AAPL 10 [-limit P] [-stop P] [-tif DAY]\n")
	fmt.Fprintf(os.Stderr, "  cancel       Cancel an order (-client-order-id or -order-id)\n")
	fmt.Fprintf(os.Stderr, "  fills        List fills (-archived -start -end)\n")
	fmt.Fprintf(os.Stderr, "  events       Show the audit trail of one order: events <client-order-id>\n")
	fmt.Fprintf(os.Stderr, "  watch        Follow lifecycle events live (-topic, -replay, -plain)\n")
	fmt.Fprintf(os.Stderr, "  auth-etrade  Authorize E*Trade and store access tokens\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	jsonOut := flag.Bool("json", false, "print JSON instead of tables")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cfgPath := "config/brokerd.yaml"
	if p := os.Getenv("BROKERD_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatal(fmt.Errorf("loading config: %w", err))
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd == "version" {
		fmt.Printf("broker-cli %s\n", version)
		return
	}
	if cmd == "auth-etrade" {
		if err := authETrade(cfg, args, *jsonOut); err != nil {
			fatal(err)
		}
		return
	}

	client, err := newClient(cfg)
	if err != nil {
		fatal(err)
	}
	if cmd == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := runWatch(ctx, client, args); err != nil {
			fatal(err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	out := &printer{json: *jsonOut}
	switch cmd {
	case "status":
		err = runStatus(ctx, client, out)
	case "quote":
		err = runQuote(ctx, client, out, args)
	case "positions":
		err = runPositions(ctx, client, out)
	case "balance":
		err = runBalance(ctx, client, out)
	case "orders":
		err = runOrders(ctx, client, out, args)
	case "order":
		err = runOrder(ctx, client, out, args)
	case "cancel":
		err = runCancel(ctx, client, out, args)
	case "fills":
		err = runFills(ctx, client, out, args)
	case "events":
		err = runOrderEvents(ctx, client, out, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// newClient targets BROKERD_URL, or the configured listen address. A
// configured auth secret is used to mint a short-lived token.
func newClient(cfg *config.Config) (*brokerd.Client, error) {
	base := os.Getenv("BROKERD_URL")
	if base == "" {
		srv := cfg.Server
		if srv.Host == "" || srv.Host == "0.0.0.0" || srv.Host == "::" {
			srv.Host = "127.0.0.1"
		}
		base = "http://" + srv.Addr()
	}
	c := brokerd.NewClient(base)
	if cfg.Server.AuthSecret != "" {
		token, err := api.SignToken(cfg.Server.AuthSecret, "broker-cli", 5*time.Minute)
		if err != nil {
			return nil, fmt.Errorf("signing api token: %w", err)
		}
		c.WithToken(token)
	}
	return c, nil
}

// printer renders results as JSON or aligned tables.
type printer struct {
	json bool
}

func (p *printer) print(v any, header []string, rows [][]string) {
	if p.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(v)
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, r := range rows {
		fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	tw.Flush()
}

func num(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func optNum(f *float64) string {
	if f == nil {
		return "-"
	}
	return num(*f)
}

func runStatus(ctx context.Context, c *brokerd.Client, out *printer) error {
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	connectedAt := "-"
	if st.Connection.ConnectedAt != nil {
		connectedAt = st.Connection.ConnectedAt.Format(time.RFC3339)
	}
	out.print(st, []string{"PROVIDER", "CONNECTED", "HOST", "ACCOUNT", "SINCE", "LAST ERROR"}, [][]string{{
		st.Provider,
		strconv.FormatBool(st.Connection.Connected),
		st.Connection.Host,
		st.Connection.AccountID,
		connectedAt,
		st.Connection.LastError,
	}})
	return nil
}

func runQuote(ctx context.Context, c *brokerd.Client, out *printer, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("quote requires at least one symbol")
	}
	quotes, err := c.Quote(ctx, args...)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(quotes))
	for _, q := range quotes {
		rows = append(rows, []string{q.Symbol, optNum(q.Bid), optNum(q.Ask), optNum(q.Last), optNum(q.Volume)})
	}
	out.print(quotes, []string{"SYMBOL", "BID", "ASK", "LAST", "VOLUME"}, rows)
	return nil
}

func runPositions(ctx context.Context, c *brokerd.Client, out *printer) error {
	positions, err := c.Positions(ctx)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(positions))
	for _, p := range positions {
		rows = append(rows, []string{p.Symbol, num(p.Qty), num(p.AvgCost), optNum(p.MarketPrice), optNum(p.MarketValue), optNum(p.UnrealizedPnL)})
	}
	out.print(positions, []string{"SYMBOL", "QTY", "AVG COST", "PRICE", "VALUE", "UNREALIZED"}, rows)
	return nil
}

func runBalance(ctx context.Context, c *brokerd.Client, out *printer) error {
	bal, err := c.Balance(ctx)
	if err != nil {
		return err
	}
	pnl, err := c.PnL(ctx)
	if err != nil {
		return err
	}
	v := map[string]any{"balance": bal, "pnl": pnl}
	out.print(v, []string{"ACCOUNT", "NET LIQ", "CASH", "BUYING POWER", "REALIZED", "UNREALIZED"}, [][]string{{
		bal.AccountID,
		optNum(bal.NetLiquidation),
		optNum(bal.Cash),
		optNum(bal.BuyingPower),
		num(pnl.Realized),
		num(pnl.Unrealized),
	}})
	return nil
}

func runOrders(ctx context.Context, c *brokerd.Client, out *printer, args []string) error {
	fs := flag.NewFlagSet("orders", flag.ExitOnError)
	status := fs.String("status", "", "open, closed or a status name")
	symbol := fs.String("symbol", "", "filter by symbol")
	fs.Parse(args)

	orders, err := c.Orders(ctx, *status, *symbol)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(orders))
	for _, o := range orders {
		rows = append(rows, []string{o.OrderID, o.ClientOrderID, o.Symbol, o.Action, num(o.Qty), num(o.Filled), num(o.AvgFillPrice), string(o.Status)})
	}
	out.print(orders, []string{"ORDER", "CLIENT ID", "SYMBOL", "ACTION", "QTY", "FILLED", "AVG PRICE", "STATUS"}, rows)
	return nil
}

func runOrder(ctx context.Context, c *brokerd.Client, out *printer, args []string) error {
	fs := flag.NewFlagSet("order", flag.ExitOnError)
	limit := fs.Float64("limit", 0, "limit price")
	stop := fs.Float64("stop", 0, "stop price")
	tif := fs.String("tif", "DAY", "time in force: DAY, GTC or IOC")
	cid := fs.String("client-order-id", "", "client order id (generated when empty)")
	fs.Parse(args)

	if fs.NArg() != 3 {
		return fmt.Errorf("usage: order <buy|sell> <symbol> <qty> [options]")
	}
	qty, err := strconv.ParseFloat(fs.Arg(2), 64)
	if err != nil {
		return fmt.Errorf("invalid qty %q", fs.Arg(2))
	}
	req := domain.OrderRequest{
		Side:   domain.OrderSide(strings.ToLower(fs.Arg(0))),
		Symbol: fs.Arg(1),
		Qty:    qty,
		TIF:    domain.TimeInForce(strings.ToUpper(*tif)),
	}
	if *limit > 0 {
		req.Limit = limit
	}
	if *stop > 0 {
		req.Stop = stop
	}

	res, err := c.PlaceOrder(ctx, req, *cid)
	if err != nil {
		return err
	}
	out.print(res, []string{"ORDER", "CLIENT ID", "STATUS"}, [][]string{{res.OrderID, res.ClientOrderID, string(res.Status)}})
	return nil
}

func runCancel(ctx context.Context, c *brokerd.Client, out *printer, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	cid := fs.String("client-order-id", "", "client order id")
	oid := fs.String("order-id", "", "broker order id")
	fs.Parse(args)

	res, err := c.CancelOrder(ctx, *cid, *oid)
	if err != nil {
		return err
	}
	out.print(res, []string{"ORDER", "CANCELLED"}, [][]string{{res.OrderID, strconv.FormatBool(res.Cancelled)}})
	return nil
}

func runFills(ctx context.Context, c *brokerd.Client, out *printer, args []string) error {
	fs := flag.NewFlagSet("fills", flag.ExitOnError)
	archived := fs.Bool("archived", false, "read the fill archive instead of the broker")
	start := fs.String("start", "", "archive start date (YYYY-MM-DD), default 7 days ago")
	end := fs.String("end", "", "archive end date (YYYY-MM-DD), default now")
	fs.Parse(args)

	var (
		fills []domain.FillRecord
		err   error
	)
	if *archived {
		to := time.Now()
		from := to.AddDate(0, 0, -7)
		if *start != "" {
			if from, err = time.Parse("2006-01-02", *start); err != nil {
				return fmt.Errorf("invalid -start: %w", err)
			}
		}
		if *end != "" {
			if to, err = time.Parse("2006-01-02", *end); err != nil {
				return fmt.Errorf("invalid -end: %w", err)
			}
			to = to.Add(24*time.Hour - time.Millisecond)
		}
		fills, err = c.ArchivedFills(ctx, from, to)
	} else {
		fills, err = c.Fills(ctx)
	}
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(fills))
	for _, f := range fills {
		rows = append(rows, []string{f.Timestamp.Format(time.RFC3339), f.FillID, f.ClientOrderID, f.Symbol, num(f.Qty), num(f.Price)})
	}
	out.print(fills, []string{"TIME", "FILL", "CLIENT ID", "SYMBOL", "QTY", "PRICE"}, rows)
	return nil
}

func runOrderEvents(ctx context.Context, c *brokerd.Client, out *printer, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: events <client-order-id>")
	}
	events, err := c.OrderEvents(ctx, args[0])
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		details, _ := json.Marshal(e.Details)
		rows = append(rows, []string{e.CreatedAt.Format(time.RFC3339), e.Event, e.OrderID, string(details)})
	}
	out.print(events, []string{"TIME", "EVENT", "ORDER", "DETAILS"}, rows)
	return nil
}

// authETrade runs the OAuth1 out-of-band flow and saves the access token
// pair where the daemon reads it.
func authETrade(cfg *config.Config, args []string, jsonOut bool) error {
	fs := flag.NewFlagSet("auth-etrade", flag.ExitOnError)
	key := fs.String("consumer-key", "", "E*Trade consumer key (default from config)")
	secret := fs.String("consumer-secret", "", "E*Trade consumer secret (default from config)")
	sandbox := fs.Bool("sandbox", false, "use the E*Trade sandbox")
	fs.Parse(args)

	ec := cfg.ETrade
	if *key != "" {
		ec.ConsumerKey = *key
	}
	if *secret != "" {
		ec.ConsumerSecret = *secret
	}
	ec.Sandbox = ec.Sandbox || *sandbox

	auth, err := etrade.NewAuthenticator(ec, cfg.Runtime.RequestTimeout())
	if err != nil {
		return err
	}
	request, err := auth.RequestToken()
	if err != nil {
		return err
	}

	fmt.Printf("Open this URL in your browser, sign in, and approve access:\n%s\n\n", auth.AuthorizeURL(request.Token))
	fmt.Print("Enter E*Trade verification code: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("reading verification code: %w", err)
	}
	verifier := strings.TrimSpace(line)
	if verifier == "" {
		return fmt.Errorf("verification code is required")
	}

	access, err := auth.AccessToken(request, verifier)
	if err != nil {
		return err
	}
	tokens := etrade.NewTokenStore(ec.TokenPath)
	if err := tokens.Save(access.Token, access.Secret); err != nil {
		return fmt.Errorf("saving tokens: %w", err)
	}

	result := map[string]any{
		"ok":         true,
		"provider":   "etrade",
		"token_path": tokens.Path(),
		"sandbox":    ec.Sandbox,
	}
	(&printer{json: jsonOut}).print(result, []string{"PROVIDER", "TOKEN PATH", "SANDBOX"}, [][]string{{"etrade", tokens.Path(), strconv.FormatBool(ec.Sandbox)}})
	return nil
}
