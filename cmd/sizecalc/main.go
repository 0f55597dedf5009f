// Command sizecalc sizes a leveraged futures position for a risk budget.
//
//	sizecalc -balance 10000 -risk 1 -entry 100 -stop 95 -leverage 10
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"futures-risk-engine/internal/risk"
	"futures-risk-engine/internal/trading"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type options struct {
	balance     string
	riskPercent string
	entry       string
	stop        string
	leverage    int
	side        string
	step        string
	maxRisk     float64
	maxLeverage int
	asJSON      bool
}

func main() {
	// Defaults may come from .env (SIZECALC_BALANCE, SIZECALC_MAX_RISK, ...).
	_ = godotenv.Load()

	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "sizecalc: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	var o options
	fs := flag.NewFlagSet("sizecalc", flag.ContinueOnError)
	fs.StringVar(&o.balance, "balance", os.Getenv("SIZECALC_BALANCE"), "account balance in quote currency")
	fs.StringVar(&o.riskPercent, "risk", "1", "percent of balance to risk")
	fs.StringVar(&o.entry, "entry", "", "entry price")
	fs.StringVar(&o.stop, "stop", "", "stop-loss price")
	fs.IntVar(&o.leverage, "leverage", 1, "leverage")
	fs.StringVar(&o.side, "side", "", "LONG or SHORT; checks the stop is on the losing side")
	fs.StringVar(&o.step, "step", "", "lot step size; floors the quantity when set")
	fs.Float64Var(&o.maxRisk, "max-risk", envFloat("SIZECALC_MAX_RISK"), "cap on risk percent (0 disables)")
	fs.IntVar(&o.maxLeverage, "max-leverage", envInt("SIZECALC_MAX_LEVERAGE"), "cap on leverage (0 disables)")
	fs.BoolVar(&o.asJSON, "json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req, err := o.request()
	if err != nil {
		return err
	}
	manager := risk.NewManager(risk.Config{MaxRiskPerTrade: o.maxRisk, MaxLeverage: o.maxLeverage})
	result, err := manager.Size(req)
	if err != nil {
		return err
	}

	var floored *decimal.Decimal
	if o.step != "" {
		step, err := parseDecimal("step", o.step)
		if err != nil {
			return err
		}
		q := trading.LotFilter{StepSize: step}.Floor(result.Quantity)
		floored = &q
	}

	if o.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			risk.SizingResult
			FlooredQuantity *decimal.Decimal `json:"floored_quantity,omitempty"`
		}{result, floored})
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Risk amount\t%s\n", result.RiskAmount.StringFixed(2))
	fmt.Fprintf(w, "Stop distance\t%s%%\n", result.StopDistancePercent.StringFixed(4))
	fmt.Fprintf(w, "Notional size\t%s\n", result.NotionalSize.StringFixed(2))
	fmt.Fprintf(w, "Quantity\t%s\n", result.Quantity.String())
	if floored != nil {
		fmt.Fprintf(w, "Quantity (floored)\t%s\n", floored.String())
	}
	fmt.Fprintf(w, "Margin required\t%s\n", result.MarginRequired.StringFixed(2))
	return w.Flush()
}

func (o options) request() (risk.SizingRequest, error) {
	var req risk.SizingRequest
	var err error
	if req.Balance, err = parseDecimal("balance", o.balance); err != nil {
		return req, err
	}
	if req.RiskPercent, err = parseDecimal("risk", o.riskPercent); err != nil {
		return req, err
	}
	if req.EntryPrice, err = parseDecimal("entry", o.entry); err != nil {
		return req, err
	}
	if req.StopPrice, err = parseDecimal("stop", o.stop); err != nil {
		return req, err
	}
	req.Leverage = o.leverage
	if o.side != "" {
		if req.Side, err = trading.ParseSide(o.side); err != nil {
			return req, err
		}
	}
	return req, nil
}

func parseDecimal(name, v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, fmt.Errorf("-%s is required", name)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("-%s: %w", name, err)
	}
	return d, nil
}

func envFloat(key string) float64 {
	f, _ := strconv.ParseFloat(os.Getenv(key), 64)
	return f
}

func envInt(key string) int {
	i, _ := strconv.Atoi(os.Getenv(key))
	return i
}
