package route

import (
	"regexp"
	"strings"
)

var (
	quotedPattern    = regexp.MustCompile(`"([^"]{2,60})"|'([^']{2,60})'`)
	camelCasePattern = regexp.MustCompile(`\b[a-z]+[A-Z]\w*\b|\b[A-Z][a-z]+[A-Z]\w*\b`)
	snakeCasePattern = regexp.MustCompile(`\b[a-z0-9]+(_[a-z0-9]+)+\b`)
)

// domainTerms maps surface tokens to canonical Light product nouns.
// Inflected forms (invoicing, billing) canonicalize so retrieval always
// sees the base term alongside the form the question used.
var domainTerms = map[string]string{
	"invoice": "invoice", "invoices": "invoice", "invoicing": "invoice",
	"contract": "contract", "contracts": "contract",
	"bill": "bill", "bills": "bill", "billing": "bill",
	"salesforce": "salesforce", "stripe": "stripe", "netsuite": "netsuite",
	"quickbooks": "quickbooks", "xero": "xero",
	"wallet": "wallet", "wallets": "wallet",
	"card": "card", "cards": "card",
	"receipt": "receipt", "receipts": "receipt",
	"reimbursement": "reimbursement", "reimbursements": "reimbursement",
	"expense": "expense", "expenses": "expense",
	"vendor": "vendor", "vendors": "vendor",
	"supplier": "supplier", "suppliers": "supplier",
	"approval": "approval", "approvals": "approval",
	"currency": "currency", "currencies": "currency", "multi-currency": "currency",
	"subsidiary": "subsidiary", "subsidiaries": "subsidiary",
	"entity": "entity", "entities": "entity",
	"accounting": "accounting", "ledger": "ledger", "ledgers": "ledger",
	"vat": "vat", "tax": "tax", "taxes": "tax",
	"payout": "payout", "payouts": "payout",
	"payment": "payment", "payments": "payment",
	"budget": "budget", "budgets": "budget", "spend": "spend",
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+(?:-[a-z0-9]+)*`)

// ExtractHints pulls retrieval hints out of the question text: quoted
// phrases, identifier-case tokens, and known domain terms. Attachment hints
// pass through deduplicated. Pronouns are left unresolved here.
func ExtractHints(question string, attachmentHints []string) []string {
	seen := make(map[string]struct{})
	var hints []string
	add := func(h string) {
		h = strings.TrimSpace(h)
		if h == "" {
			return
		}
		key := strings.ToLower(h)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		hints = append(hints, h)
	}

	for _, m := range quotedPattern.FindAllStringSubmatch(question, -1) {
		if m[1] != "" {
			add(m[1])
		} else {
			add(m[2])
		}
	}
	for _, m := range camelCasePattern.FindAllString(question, -1) {
		add(m)
	}
	for _, m := range snakeCasePattern.FindAllString(question, -1) {
		add(m)
	}

	lower := strings.ToLower(question)
	for _, tok := range tokenPattern.FindAllString(lower, -1) {
		canonical, ok := domainTerms[tok]
		if !ok {
			continue
		}
		add(canonical)
		if tok != canonical {
			add(tok)
		}
	}

	for _, h := range attachmentHints {
		add(h)
	}
	return hints
}
