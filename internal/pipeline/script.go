package pipeline

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"
)

// ParameterScript runs a user-supplied JavaScript function that derives extra
// template parameters from the change summaries of a batch.
//
// The script either evaluates to a function:
//
//	(function(changes) { return { targetEnv: "test" }; })
//
// or declares a function named parameters:
//
//	function parameters(changes) { return { touchesViews: String(changes.some(c => c.type === "VIEW")) }; }
//
// Returned values are converted to strings. Returning null or undefined adds
// no parameters.
type ParameterScript struct {
	path   string
	source string
	logger *logrus.Logger
}

// LoadParameterScript reads and validates the script at path.
func LoadParameterScript(path string, logger *logrus.Logger) (*ParameterScript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameters script: %w", err)
	}
	return NewParameterScript(path, string(data), logger)
}

// NewParameterScript validates source and returns a script ready to run.
func NewParameterScript(name, source string, logger *logrus.Logger) (*ParameterScript, error) {
	s := &ParameterScript{
		path:   name,
		source: source,
		logger: logger,
	}

	vm := goja.New()
	if err := s.setupConsoleBindings(vm); err != nil {
		return nil, err
	}
	if _, err := s.function(vm); err != nil {
		return nil, fmt.Errorf("invalid parameters script %s: %w", name, err)
	}
	return s, nil
}

// function evaluates the script in vm and returns the callable it exports.
func (s *ParameterScript) function(vm *goja.Runtime) (goja.Callable, error) {
	result, err := vm.RunString(s.source)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}

	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			return fn, nil
		}
	}

	named := vm.Get("parameters")
	if named != nil && !goja.IsUndefined(named) && !goja.IsNull(named) {
		if fn, ok := goja.AssertFunction(named); ok {
			return fn, nil
		}
	}

	return nil, fmt.Errorf("script must export a function (either anonymous function or named 'parameters' function)")
}

// Parameters runs the script against the summaries of one batch.
func (s *ParameterScript) Parameters(summaries []ChangeSummary) (map[string]string, error) {
	// goja.Runtime is not safe for reuse across calls, so each run gets its own.
	vm := goja.New()
	if err := s.setupConsoleBindings(vm); err != nil {
		return nil, err
	}

	fn, err := s.function(vm)
	if err != nil {
		return nil, err
	}

	input, err := json.Marshal(summaries)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change summaries: %w", err)
	}
	if err := vm.Set("changesJSON", string(input)); err != nil {
		return nil, fmt.Errorf("failed to set changes JSON: %w", err)
	}
	arg, err := vm.RunString("JSON.parse(changesJSON)")
	if err != nil {
		return nil, fmt.Errorf("failed to parse changes JSON: %w", err)
	}

	result, err := fn(goja.Undefined(), arg)
	if err != nil {
		return nil, fmt.Errorf("parameters script %s failed: %w", s.path, err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}

	exported, ok := result.Export().(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("parameters script %s must return an object, got %T", s.path, result.Export())
	}

	params := make(map[string]string, len(exported))
	for k, v := range exported {
		switch v := v.(type) {
		case nil:
			continue
		case string:
			params[k] = v
		case map[string]interface{}, []interface{}:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal parameter %q: %w", k, err)
			}
			params[k] = string(data)
		default:
			params[k] = fmt.Sprint(v)
		}
	}
	s.logger.Debugf("Parameters script %s produced %d parameters", s.path, len(params))
	return params, nil
}

// setupConsoleBindings routes console.* calls to the logger.
func (s *ParameterScript) setupConsoleBindings(vm *goja.Runtime) error {
	console := vm.NewObject()

	format := func(call goja.FunctionCall) string {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		return fmt.Sprint(args...)
	}
	bind := func(name string, log func(args ...interface{})) error {
		fn := func(call goja.FunctionCall) goja.Value {
			log(format(call))
			return goja.Undefined()
		}
		if err := console.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set console.%s: %w", name, err)
		}
		return nil
	}

	bindings := []struct {
		name string
		log  func(args ...interface{})
	}{
		{"log", s.logger.Info},
		{"info", s.logger.Info},
		{"warn", s.logger.Warn},
		{"error", s.logger.Error},
		{"debug", s.logger.Debug},
	}
	for _, b := range bindings {
		if err := bind(b.name, b.log); err != nil {
			return err
		}
	}

	if err := vm.Set("console", console); err != nil {
		return fmt.Errorf("failed to set console object: %w", err)
	}
	return nil
}
