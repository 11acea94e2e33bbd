package pii

import "sort"

// Registry maps table names to their PII field sets. It is built once at
// startup from static registrations plus configuration; there is no runtime
// reflection over entities.
type Registry struct {
	fields map[string]map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{fields: make(map[string]map[string]bool)}
}

// DefaultRegistry returns the registry for the core's own tables.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Add("accounts", "customer_name", "tax_id", "email", "phone")
	r.Add("customers", "name", "tax_id", "email", "phone", "address", "date_of_birth")
	r.Add("loans", "customer_name")
	r.Add("credit_transactions", "merchant")
	return r
}

// Add registers PII fields for a table.
func (r *Registry) Add(table string, fields ...string) {
	set := r.fields[table]
	if set == nil {
		set = make(map[string]bool)
		r.fields[table] = set
	}
	for _, f := range fields {
		set[f] = true
	}
}

// IsPII reports whether (table, field) is registered as PII.
func (r *Registry) IsPII(table, field string) bool {
	return r.fields[table][field]
}

// Fields returns the registered PII fields of a table, sorted.
func (r *Registry) Fields(table string) []string {
	set := r.fields[table]
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Tables returns every table with registered PII fields, sorted.
func (r *Registry) Tables() []string {
	out := make([]string, 0, len(r.fields))
	for t := range r.fields {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
