package validation

// ActionLookup reports whether an action name is registered.
type ActionLookup interface {
	Has(name string) bool
}

// ConditionCompiler checks a step condition without evaluating it.
type ConditionCompiler interface {
	Compile(expression string) error
}
