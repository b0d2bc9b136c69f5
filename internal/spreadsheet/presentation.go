package spreadsheet

import "context"

// Currency describes how monetary cells are formatted by default.
type Currency struct {
	Code     string `json:"code"`
	Symbol   string `json:"symbol"`
	Position string `json:"position"`
	Decimals int    `json:"decimalPlaces"`
}

// DefaultCurrency returns the fallback currency hint.
func DefaultCurrency() Currency {
	return Currency{Code: "USD", Symbol: "$", Position: "before", Decimals: 2}
}

// PresentationProvider supplies the company-level hints sent to joining clients.
type PresentationProvider interface {
	DefaultCurrency(ctx context.Context) Currency
	CompanyColors(ctx context.Context) []string
}

// StaticPresentation serves fixed hints, typically loaded from configuration.
type StaticPresentation struct {
	Currency Currency
	Colors   []string
}

func (presentation StaticPresentation) DefaultCurrency(context.Context) Currency {
	return presentation.Currency
}

func (presentation StaticPresentation) CompanyColors(context.Context) []string {
	colors := make([]string, 0, len(presentation.Colors))
	return append(colors, presentation.Colors...)
}
