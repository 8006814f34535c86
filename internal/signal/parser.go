package signal

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// TradeIntent is the normalized result of parsing one signal message.
type TradeIntent struct {
	Symbol      string
	Side        string // BUY or SELL
	Quantity    decimal.Decimal
	OrderType   string // always MARKET
	Leverage    int
	EntryPrice  decimal.NullDecimal
	StopLoss    decimal.NullDecimal
	TakeProfits []decimal.Decimal
}

// Parser extracts trade intents from free-form signal text. It understands a
// structured multi-line format (entry/stop/targets) and a terse one-line
// format, trying the structured one first.
type Parser struct {
	fixedNotional decimal.Decimal // USD notional when quantity must be derived
	minQuantity   decimal.Decimal // fallback when no entry price is present
}

// NewParser creates a parser. fixedNotional sizes derived quantities,
// minQuantity is used when no entry price can be found.
func NewParser(fixedNotional, minQuantity decimal.Decimal) *Parser {
	return &Parser{fixedNotional: fixedNotional, minQuantity: minQuantity}
}

var (
	simplePattern = regexp.MustCompile(`(BUY|SELL)\s+([A-Z]+USDT)\s+([\d.]+)`)

	// Like simplePattern but also accepts the slash symbol form, and the
	// quantity must be a whole token so "10x" (leverage) is not mistaken
	// for an explicit quantity.
	explicitQtyPattern = regexp.MustCompile(`(?:BUY|SELL)\s+([A-Z]+/?USDT)\s+([\d.]+)\b`)

	symbolPatterns = []*regexp.Regexp{
		regexp.MustCompile(`([A-Z]{2,10})/USDT`),
		regexp.MustCompile(`([A-Z]{2,10})USDT`),
	}

	entryPatterns = []*regexp.Regexp{
		regexp.MustCompile(`ENTRY[:\s]*([\d.,]+)(?:\s*-\s*([\d.,]+))?`),
		regexp.MustCompile(`EINSTIEG[:\s]*([\d.,]+)(?:\s*-\s*([\d.,]+))?`),
		regexp.MustCompile(`📍\s*ENTRY[:\s]*([\d.,]+)(?:\s*-\s*([\d.,]+))?`),
	}

	stopLossPatterns = []*regexp.Regexp{
		regexp.MustCompile(`STOP\s*LOSS[:\s]*([\d.,]+)`),
		regexp.MustCompile(`SL[:\s]*([\d.,]+)`),
		regexp.MustCompile(`⛔\s*([\d.,]+)`),
	}

	takeProfitPattern = regexp.MustCompile(`(?:TARGET|TP|TAKE\s*PROFIT|🎯)\s*\d*[:\s]*([\d.,]+)`)

	leveragePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:LEVERAGE|LEV)[:\s]*(\d+)X?`),
		regexp.MustCompile(`(\d+)X`),
		regexp.MustCompile(`CROSS\s+(\d+)X?`),
		regexp.MustCompile(`⚡\s*CROSS\s+(\d+)X?`),
	}

	buyWords  = []string{"LONG", "BUY", "KAUFEN"}
	sellWords = []string{"SHORT", "SELL", "VERKAUFEN"}
)

// Parse returns the trade intent found in message, or nil when the text is
// not a trading signal.
func (p *Parser) Parse(message string) *TradeIntent {
	if intent := p.parseAdvanced(message); intent != nil {
		return intent
	}
	return p.parseSimple(message)
}

// parseSimple handles the one-line form: "BUY BTCUSDT 0.1".
func (p *Parser) parseSimple(message string) *TradeIntent {
	m := simplePattern.FindStringSubmatch(strings.ToUpper(message))
	if m == nil {
		return nil
	}
	qty, err := decimal.NewFromString(m[3])
	if err != nil || qty.Sign() <= 0 {
		return nil
	}
	return &TradeIntent{
		Symbol:    m[2],
		Side:      m[1],
		Quantity:  qty,
		OrderType: "MARKET",
		Leverage:  1,
	}
}

// parseAdvanced handles structured messages with entry/stop/target blocks.
func (p *Parser) parseAdvanced(message string) *TradeIntent {
	text := strings.ReplaceAll(strings.ToUpper(message), "#", "")

	side := matchSide(text)
	if side == "" {
		return nil
	}

	symbol := matchSymbol(text)
	if symbol == "" {
		return nil
	}

	intent := &TradeIntent{
		Symbol:    symbol,
		Side:      side,
		OrderType: "MARKET",
		Leverage:  matchLeverage(text),
	}

	intent.EntryPrice = matchEntry(text)
	intent.StopLoss = firstPrice(text, stopLossPatterns)
	intent.TakeProfits = matchTakeProfits(text)

	// An explicit quantity wins. Otherwise size a small fixed-notional
	// position from the entry price, or fall back to the exchange minimum.
	intent.Quantity = p.minQuantity
	if qty, ok := matchExplicitQuantity(text, symbol); ok {
		intent.Quantity = qty
	} else if intent.EntryPrice.Valid && intent.EntryPrice.Decimal.Sign() > 0 {
		intent.Quantity = p.fixedNotional.Div(intent.EntryPrice.Decimal).Round(6)
	}

	return intent
}

func matchExplicitQuantity(text, symbol string) (decimal.Decimal, bool) {
	m := explicitQtyPattern.FindStringSubmatch(text)
	if m == nil || strings.ReplaceAll(m[1], "/", "") != symbol {
		return decimal.Decimal{}, false
	}
	qty, err := decimal.NewFromString(m[2])
	if err != nil || qty.Sign() <= 0 {
		return decimal.Decimal{}, false
	}
	return qty, true
}

func matchSide(text string) string {
	for _, w := range buyWords {
		if strings.Contains(text, w) {
			return "BUY"
		}
	}
	for _, w := range sellWords {
		if strings.Contains(text, w) {
			return "SELL"
		}
	}
	return ""
}

func matchSymbol(text string) string {
	for _, re := range symbolPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			symbol := m[1]
			if !strings.HasSuffix(symbol, "USDT") {
				symbol += "USDT"
			}
			return symbol
		}
	}
	return ""
}

// matchEntry returns the entry price; a range like "42000 - 43000" resolves
// to its midpoint.
func matchEntry(text string) decimal.NullDecimal {
	for _, re := range entryPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		low, err := parsePrice(m[1])
		if err != nil {
			continue
		}
		if m[2] != "" {
			high, err := parsePrice(m[2])
			if err != nil {
				continue
			}
			mid := low.Add(high).Div(decimal.NewFromInt(2))
			return decimal.NullDecimal{Decimal: mid, Valid: true}
		}
		return decimal.NullDecimal{Decimal: low, Valid: true}
	}
	return decimal.NullDecimal{}
}

func firstPrice(text string, patterns []*regexp.Regexp) decimal.NullDecimal {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if d, err := parsePrice(m[1]); err == nil {
				return decimal.NullDecimal{Decimal: d, Valid: true}
			}
		}
	}
	return decimal.NullDecimal{}
}

// matchTakeProfits collects all target levels in order, dropping repeats.
func matchTakeProfits(text string) []decimal.Decimal {
	var out []decimal.Decimal
	seen := make(map[string]bool)
	for _, m := range takeProfitPattern.FindAllStringSubmatch(text, -1) {
		d, err := parsePrice(m[1])
		if err != nil {
			continue
		}
		key := d.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	return out
}

func matchLeverage(text string) int {
	for _, re := range leveragePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return n
			}
		}
	}
	return 1
}

// parsePrice parses a price literal, tolerating thousands separators.
func parsePrice(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSuffix(s, ".")
	return decimal.NewFromString(s)
}
