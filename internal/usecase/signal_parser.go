package usecase

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"github.com/vitos/signal_copy_trader/internal/numeric"
)

type ParserSettings struct {
	// ReferencePrices are typical prices per symbol used to reject values
	// off by more than two orders of magnitude. Optional.
	ReferencePrices      map[string]decimal.Decimal
	SecondEntryOffsetPct decimal.Decimal
	AutoStopLossPct      decimal.Decimal
	MaxTakeProfits       int
}

func DefaultParserSettings() ParserSettings {
	return ParserSettings{
		SecondEntryOffsetPct: decimal.RequireFromString("0.1"),
		AutoStopLossPct:      decimal.NewFromInt(2),
		MaxTakeProfits:       4,
	}
}

// num accepts comma thousands grouping only after a one or two digit lead,
// so "60,000" is one price while "160,170" stays a two item list.
const num = `(\d{1,2}(?:,\d{3})+(?:\.\d+)?|\d+(?:\.\d+)?)`

var (
	numRe = regexp.MustCompile(num)

	crossMarginRes = []*regexp.Regexp{
		regexp.MustCompile(`CROSS\s*\(`),
		regexp.MustCompile(`CROSS\s*\d+`),
		regexp.MustCompile(`LEVERAGE\s*:?\s*CROSS`),
		regexp.MustCompile(`APALANCAMIENTO\s*:?\s*CROSS`),
		regexp.MustCompile(`HÄVSTÅNG\s*:?\s*CROSS`),
		regexp.MustCompile(`MARGIN(?:\s*MODE)?\s*[:=]?\s*CROSS`),
	}

	hashtagSymbolRe  = regexp.MustCompile(`#([A-Z0-9]{2,20})(?:\s*/\s*USDT)?`)
	slashPairRe      = regexp.MustCompile(`\b([A-Z0-9]{2,15})\s*/\s*USDT\b`)
	labelledSymbolRe = regexp.MustCompile(`\b(?:SYMBOL|COIN|PAIR|MYNT)\s*[:=]\s*[#$]?([A-Z0-9]{2,20})(?:\s*/\s*USDT)?`)
	bareUSDTRe       = regexp.MustCompile(`\b([A-Z0-9]{1,20}USDT)(?:\.P|-PERP|PERP)?\b`)
	cashtagRe        = regexp.MustCompile(`\$([A-Z][A-Z0-9]{1,15})\b`)

	longWordRe  = regexp.MustCompile(`\b(?:LONG|BUY)\b`)
	shortWordRe = regexp.MustCompile(`\b(?:SHORT|SELL|KORT)\b`)
	longMarks   = []string{"LÅNG", "KÖP", "🟢", "📈", "⬆"}
	shortMarks  = []string{"SÄLJ", "🔴", "📉", "⬇"}

	numberedEntryRe = regexp.MustCompile(`\bENTRY\s*#?[12](?:\s*[:=)]\s*|\s+)` + num)
	entryListRe     = regexp.MustCompile(`\bENTR(?:Y|IES)\s*=\s*(` + num + `(?:\s*[,/]\s*` + num + `)*)`)
	entryRangeRe    = regexp.MustCompile(`(?:\bENTRY|\bENTRIES|INGÅNG|\bENTRÉ|\bENTRE)(?:\s*(?:ZONE|PRICE|POINT|PRIS))?\s*[:=]?\s*` + num + `(?:\s*(?:-|TO|/|,|AND|OCH)\s*` + num + `)?`)
	entryAtRe       = regexp.MustCompile(`\b(?:LONG|SHORT|BUY|SELL)\s*(?:@|AT|:)\s*` + num)

	tpListRe     = regexp.MustCompile(`\bTPS?\s*=\s*(` + num + `(?:\s*[,/]\s*` + num + `)*)`)
	numberedTPRe = regexp.MustCompile(`(?:\bTP|\bTARGET|\bMÅL)\s*#?[1-9](?:\s*[:=)\-.]\s*|\s+)` + num)
	tpLabelRe    = regexp.MustCompile(`(?:\bTARGETS?|\bTAKE[\s-]?PROFITS?|\bTPS?|\bMÅL)\s*[:=]?\s*(` + num + `(?:\s*(?:[,/|\-]|AND|OCH)?\s*` + num + `)*)`)

	stopLossRe = regexp.MustCompile(`\b(?:SL|STOP[\s-]?LOSS|STOPLOSS|STOPP|STOP)\s*[:=@]?\s*` + num + `(\s*%)?`)

	leverageLabelRe = regexp.MustCompile(`(?:\bLEV(?:ERAGE)?|HÄVSTÅNG|\bAPALANCAMIENTO)\s*[:=]?\s*(?:X\s*)?` + num)
	leverageBareRe  = regexp.MustCompile(`\b` + num + `\s*X\b`)
	leverageXRe     = regexp.MustCompile(`\bX` + num + `\b`)

	modeLabelRe = regexp.MustCompile(`\bMODE\s*[:=]\s*(SWING|FAST|FIXED|DYNAMIC)\b`)
	modeWordRe  = regexp.MustCompile(`(?:\b|#)(SWING|DYNAMIC)\b`)
)

var symbolStopWords = map[string]bool{
	"LONG": true, "SHORT": true, "BUY": true, "SELL": true, "SIGNAL": true, "SIGNALS": true,
	"VIP": true, "ENTRY": true, "TP": true, "SL": true, "TARGET": true, "TARGETS": true,
	"STOP": true, "SWING": true, "FAST": true, "DYNAMIC": true, "FUTURES": true, "SPOT": true,
	"CRYPTO": true, "BYBIT": true, "BINANCE": true, "USDT": true, "UPDATE": true, "NEW": true,
	"TRADE": true, "LEVERAGE": true, "FIXED": true,
}

type symbolMatcher func(text string) (string, bool)

type priceListMatcher func(text string) []decimal.Decimal

// Matchers are tried in order; the first one that returns a value wins.
var (
	symbolMatchers = []symbolMatcher{
		firstSymbol(hashtagSymbolRe),
		firstSymbol(slashPairRe),
		firstSymbol(labelledSymbolRe),
		firstSymbol(bareUSDTRe),
		firstSymbol(cashtagRe),
	}
	entryMatchers = []priceListMatcher{
		allGroups(numberedEntryRe),
		listGroup(entryListRe),
		rangeGroups(entryRangeRe),
		allGroups(entryAtRe),
	}
	takeProfitMatchers = []priceListMatcher{
		listGroup(tpListRe),
		allGroups(numberedTPRe),
		listGroup(tpLabelRe),
	}
	leverageMatchers = []priceListMatcher{
		allGroups(leverageLabelRe),
		allGroups(leverageXRe),
		allGroups(leverageBareRe),
	}
)

// SignalParser turns free-form channel text into a ParsedSignal. It does no
// I/O and is safe for concurrent use.
type SignalParser struct {
	cfg ParserSettings
}

func NewSignalParser(cfg ParserSettings) *SignalParser {
	if cfg.MaxTakeProfits <= 0 {
		cfg.MaxTakeProfits = 4
	}
	return &SignalParser{cfg: cfg}
}

// Parse returns the structured signal, or an error wrapping ErrInvalidSignal
// (drop silently), ErrCrossMargin or ErrWrongDirection (policy rejection).
func (p *SignalParser) Parse(channel, raw string) (*domain.ParsedSignal, error) {
	text := normalizeText(raw)

	if IsCrossMargin(text) {
		return nil, domain.ErrCrossMargin
	}

	symbol, ok := matchSymbol(text)
	if !ok {
		return nil, fmt.Errorf("%w: no symbol", domain.ErrInvalidSignal)
	}

	entries := firstPrices(text, entryMatchers)
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entry for %s", domain.ErrInvalidSignal, symbol)
	}
	if len(entries) > 2 {
		entries = entries[:2]
	}
	reference := entries[0]
	if ref, ok := p.cfg.ReferencePrices[symbol]; ok && !sameScale(reference, ref) {
		return nil, fmt.Errorf("%w: entry %s off scale for %s", domain.ErrInvalidSignal, reference, symbol)
	}

	tps := p.takeProfits(text, reference)
	slPrice, slPct, hasSL := matchStopLoss(text)

	side, ok := matchSide(text)
	if !ok {
		side, ok = sideFromTargets(reference, tps)
		if !ok {
			return nil, fmt.Errorf("%w: direction undetermined for %s", domain.ErrInvalidSignal, symbol)
		}
	}

	sig := &domain.ParsedSignal{
		Symbol:      symbol,
		Side:        side,
		Entries:     entries,
		TakeProfits: tps,
		ModeHint:    matchMode(text),
		ChannelName: channel,
		RawText:     raw,
	}

	if len(sig.Entries) == 1 {
		offset := p.cfg.SecondEntryOffsetPct
		if side == domain.SideLong {
			offset = offset.Neg()
		}
		sig.Entries = append(sig.Entries, numeric.ApplyPct(reference, offset))
		sig.SecondEntrySynthesized = true
	}

	switch {
	case hasSL && slPct:
		sig.StopLoss = numeric.ApplyPct(reference, adverse(side, slPrice))
	case hasSL && sameScale(slPrice, reference):
		sig.StopLoss = slPrice
	default:
		sig.StopLoss = numeric.ApplyPct(reference, adverse(side, p.cfg.AutoStopLossPct))
		sig.AutoStopLoss = true
	}

	if lev := firstPrices(text, leverageMatchers); len(lev) > 0 && lev[0].IsPositive() {
		sig.LeverageHint = decimal.NewNullDecimal(lev[0])
	}

	if err := checkDirection(sig); err != nil {
		return nil, err
	}
	return sig, nil
}

func (p *SignalParser) takeProfits(text string, reference decimal.Decimal) []decimal.Decimal {
	raw := firstPrices(text, takeProfitMatchers)
	tps := make([]decimal.Decimal, 0, len(raw))
	seen := make(map[string]bool)
	for _, v := range raw {
		if !sameScale(v, reference) || seen[v.String()] {
			continue
		}
		seen[v.String()] = true
		tps = append(tps, v)
		if len(tps) == p.cfg.MaxTakeProfits {
			break
		}
	}
	return tps
}

// IsCrossMargin reports whether text asks for cross margin. Text must already
// be upper-cased.
func IsCrossMargin(text string) bool {
	for _, re := range crossMarginRes {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func normalizeText(raw string) string {
	r := strings.NewReplacer("–", "-", "—", "-", "：", ":", "*", "", "`", "", "\u00a0", " ")
	return strings.ToUpper(r.Replace(raw))
}

func matchSymbol(text string) (string, bool) {
	for _, m := range symbolMatchers {
		if s, ok := m(text); ok {
			return s, true
		}
	}
	return "", false
}

func firstSymbol(re *regexp.Regexp) symbolMatcher {
	return func(text string) (string, bool) {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if s, ok := normalizeSymbol(m[1]); ok {
				return s, true
			}
		}
		return "", false
	}
}

// normalizeSymbol maps BTC, BTC/USDT, BTCUSDT.P and BTC-PERP onto BTCUSDT.
func normalizeSymbol(s string) (string, bool) {
	s = strings.ReplaceAll(s, "/", "")
	for _, suffix := range []string{".P", "-PERP", "PERP"} {
		s = strings.TrimSuffix(s, suffix)
	}
	base := strings.TrimSuffix(s, "USDT")
	if base == "" || symbolStopWords[base] || !strings.ContainsAny(base, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		return "", false
	}
	return base + "USDT", true
}

func matchSide(text string) (domain.Side, bool) {
	long := longWordRe.MatchString(text) || containsAny(text, longMarks)
	short := shortWordRe.MatchString(text) || containsAny(text, shortMarks)
	switch {
	case long && !short:
		return domain.SideLong, true
	case short && !long:
		return domain.SideShort, true
	}
	return "", false
}

// sideFromTargets infers direction from where the targets sit relative to entry.
func sideFromTargets(entry decimal.Decimal, tps []decimal.Decimal) (domain.Side, bool) {
	if len(tps) == 0 {
		return "", false
	}
	sum := decimal.Zero
	for _, tp := range tps {
		sum = sum.Add(tp)
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(tps))))
	switch avg.Cmp(entry) {
	case 1:
		return domain.SideLong, true
	case -1:
		return domain.SideShort, true
	}
	return "", false
}

func containsAny(text string, marks []string) bool {
	for _, m := range marks {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

func firstPrices(text string, matchers []priceListMatcher) []decimal.Decimal {
	for _, m := range matchers {
		if v := m(text); len(v) > 0 {
			return v
		}
	}
	return nil
}

// allGroups collects the last capture group of every match.
func allGroups(re *regexp.Regexp) priceListMatcher {
	return func(text string) []decimal.Decimal {
		var out []decimal.Decimal
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if v, err := numeric.ParseDecimal(m[len(m)-1]); err == nil {
				out = append(out, v)
			}
		}
		return out
	}
}

// listGroup splits the first capture group of the first match into numbers.
func listGroup(re *regexp.Regexp) priceListMatcher {
	return func(text string) []decimal.Decimal {
		m := re.FindStringSubmatch(text)
		if m == nil {
			return nil
		}
		return parseNumbers(m[1])
	}
}

// rangeGroups reads "a - b" style entry zones from the first match.
func rangeGroups(re *regexp.Regexp) priceListMatcher {
	return func(text string) []decimal.Decimal {
		m := re.FindStringSubmatch(text)
		if m == nil {
			return nil
		}
		var out []decimal.Decimal
		for _, g := range m[1:] {
			if g == "" {
				continue
			}
			if v, err := numeric.ParseDecimal(g); err == nil {
				out = append(out, v)
			}
		}
		return out
	}
}

func parseNumbers(s string) []decimal.Decimal {
	var out []decimal.Decimal
	for _, n := range numRe.FindAllString(s, -1) {
		if v, err := numeric.ParseDecimal(n); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// matchStopLoss returns the stop value and whether it was given as a percentage.
func matchStopLoss(text string) (decimal.Decimal, bool, bool) {
	m := stopLossRe.FindStringSubmatch(text)
	if m == nil {
		return decimal.Zero, false, false
	}
	v, err := numeric.ParseDecimal(m[1])
	if err != nil || !v.IsPositive() {
		return decimal.Zero, false, false
	}
	return v, strings.TrimSpace(m[2]) == "%", true
}

func matchMode(text string) domain.Mode {
	word := ""
	if m := modeLabelRe.FindStringSubmatch(text); m != nil {
		word = m[1]
	} else if m := modeWordRe.FindStringSubmatch(text); m != nil {
		word = m[1]
	}
	switch word {
	case "SWING":
		return domain.ModeSwing
	case "FAST", "FIXED":
		return domain.ModeFast
	case "DYNAMIC":
		return domain.ModeDynamic
	}
	return ""
}

// adverse turns a percentage distance into the signed offset against side.
func adverse(side domain.Side, pct decimal.Decimal) decimal.Decimal {
	if side == domain.SideLong {
		return pct.Neg()
	}
	return pct
}

var (
	scaleLow  = decimal.RequireFromString("0.01")
	scaleHigh = decimal.NewFromInt(100)
)

// sameScale rejects values more than two orders of magnitude away from ref.
func sameScale(v, ref decimal.Decimal) bool {
	if !v.IsPositive() || !ref.IsPositive() {
		return false
	}
	ratio := v.Div(ref)
	return ratio.GreaterThanOrEqual(scaleLow) && ratio.LessThanOrEqual(scaleHigh)
}

func checkDirection(sig *domain.ParsedSignal) error {
	ref := sig.ReferenceEntry()
	long := sig.Side == domain.SideLong
	for _, tp := range sig.TakeProfits {
		if (long && !tp.GreaterThan(ref)) || (!long && !tp.LessThan(ref)) {
			return fmt.Errorf("%w: %s %s tp %s vs entry %s", domain.ErrWrongDirection, sig.Symbol, sig.Side, tp, ref)
		}
	}
	if (long && !sig.StopLoss.LessThan(ref)) || (!long && !sig.StopLoss.GreaterThan(ref)) {
		return fmt.Errorf("%w: %s %s sl %s vs entry %s", domain.ErrWrongDirection, sig.Symbol, sig.Side, sig.StopLoss, ref)
	}
	return nil
}
