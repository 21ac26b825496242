package nodes

// RegisterBuiltins installs the built-in node types into a registry. The code
// node is registered only when a script executor is available.
func RegisterBuiltins(r *Registry, executor ScriptExecutor) error {
	builtins := []*NodeType{
		NewManualTrigger(),
		NewWebhookTrigger(),
		NewScheduleTrigger(),
		NewHTTPRequest(),
		NewIf(),
		NewSwitch(),
		NewSet(),
		NewMerge(),
		NewNoop(),
		NewDelay(),
	}
	if executor != nil {
		builtins = append(builtins, NewCode(executor))
	}
	for _, nt := range builtins {
		if err := r.Register(nt); err != nil {
			return err
		}
	}
	return nil
}
