package workflows

import (
	"encoding/json"
	"html/template"
	"strings"

	"github.com/quartermile/ledgerflow/pkg/api"
)

// Document template types accepted by pdf/generate
const (
	TemplateInvoice      = "invoice"
	TemplateJournal      = "journal"
	TemplateBalanceSheet = "balance_sheet"
	TemplateProfitLoss   = "profit_loss"
)

var documentTemplates = map[string]*template.Template{
	TemplateInvoice: template.Must(template.New(TemplateInvoice).Parse(`
<!DOCTYPE html>
<html><head><title>Invoice {{.invoiceNumber}}</title></head>
<body>
<h1>Invoice {{.invoiceNumber}}</h1>
<p>Date: {{.date}}</p>
<p>Customer: {{.customerName}}</p>
<table>
{{range .items}}<tr><td>{{.description}}</td><td>{{.quantity}}</td><td>{{.amount}}</td></tr>
{{end}}</table>
<h2>Total: {{.currency}} {{.total}}</h2>
</body></html>`)),

	TemplateJournal: template.Must(template.New(TemplateJournal).Parse(`
<!DOCTYPE html>
<html><head><title>Journal {{.journalNumber}}</title></head>
<body>
<h1>Journal Entry {{.journalNumber}}</h1>
<p>Date: {{.date}}</p>
<table>
{{range .lines}}<tr><td>{{.account}}</td><td>{{.debit}}</td><td>{{.credit}}</td></tr>
{{end}}</table>
</body></html>`)),

	TemplateBalanceSheet: template.Must(template.New(TemplateBalanceSheet).Parse(`
<!DOCTYPE html>
<html><head><title>Balance Sheet</title></head>
<body>
<h1>Balance Sheet as at {{.asAt}}</h1>
<h2>Assets: {{.totalAssets}}</h2>
<h2>Liabilities: {{.totalLiabilities}}</h2>
<h2>Equity: {{.totalEquity}}</h2>
</body></html>`)),

	TemplateProfitLoss: template.Must(template.New(TemplateProfitLoss).Parse(`
<!DOCTYPE html>
<html><head><title>Profit and Loss</title></head>
<body>
<h1>Profit and Loss {{.periodStart}} to {{.periodEnd}}</h1>
<h2>Revenue: {{.totalRevenue}}</h2>
<h2>Expenses: {{.totalExpenses}}</h2>
<h2>Net: {{.netProfit}}</h2>
</body></html>`)),
}

// RenderTemplate assembles the HTML document for a template type. The
// assembly is pure so callers can run it inside a memoized step.
func RenderTemplate(templateType string, data json.RawMessage) (string, error) {
	tpl, ok := documentTemplates[templateType]
	if !ok {
		return "", api.Fatal(api.SubclassValidation,
			"unknown template type %q", templateType)
	}

	fields := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			return "", api.Fatal(api.SubclassValidation,
				"template data does not decode: %v", err)
		}
	}

	var sb strings.Builder
	if err := tpl.Execute(&sb, fields); err != nil {
		return "", api.Fatal(api.SubclassValidation,
			"template %s failed to render: %v", templateType, err)
	}
	return sb.String(), nil
}
