package rpool

import (
	"fmt"
	"math"
	"strconv"

	"go.uber.org/zap"
)

// RDataType enumerates the value types that can cross into and out of a
// script evaluation.
type RDataType int

const (
	// TypeString is a single character value.
	TypeString RDataType = iota
	// TypeStringArray is a character vector.
	TypeStringArray
	// TypeDouble is a floating point scalar.
	TypeDouble
	// TypeDoubleArray is a floating point vector.
	TypeDoubleArray
)

type rDataObject struct {
	dataType RDataType
	name     string
	value    interface{}
}

// RScript evaluates one script against a pooled connection, binding named
// inputs beforehand and extracting named outputs afterwards.
//
// An RScript is NOT safe for concurrent use. When running in multiple
// goroutines, make one of these objects for EACH goroutine.
type RScript struct {
	pool    *ConnectionPool
	script  string
	inputs  map[string]*rDataObject
	outputs map[string]*rDataObject
}

// NewRScriptFromResource creates a script by loading the named resource from
// the script search path.
func NewRScriptFromResource(pool *ConnectionPool, resourceName string) (*RScript, error) {
	script, err := readScript(resourceName)
	if err != nil {
		return nil, err
	}
	return NewRScriptFromString(pool, script), nil
}

// NewRScriptFromString creates a script from source held in a string (not a
// resource or file name).
func NewRScriptFromString(pool *ConnectionPool, script string) *RScript {
	return &RScript{
		pool:    pool,
		script:  script,
		inputs:  make(map[string]*rDataObject),
		outputs: make(map[string]*rDataObject),
	}
}

// SetInputString binds a character input. A prior binding with the same name
// is overwritten.
func (rs *RScript) SetInputString(name string, value string) {
	rs.inputs[name] = &rDataObject{dataType: TypeString, name: name, value: value}
}

// SetInputStrings binds a character vector input.
func (rs *RScript) SetInputStrings(name string, values []string) error {
	if values == nil {
		return ErrInvalidArgument
	}
	rs.inputs[name] = &rDataObject{dataType: TypeStringArray, name: name, value: values}
	return nil
}

// SetInputDouble binds a floating point scalar input.
func (rs *RScript) SetInputDouble(name string, value float64) {
	rs.inputs[name] = &rDataObject{dataType: TypeDouble, name: name, value: value}
}

// SetInputDoubles binds a floating point vector input.
func (rs *RScript) SetInputDoubles(name string, values []float64) error {
	if values == nil {
		return ErrInvalidArgument
	}
	rs.inputs[name] = &rDataObject{dataType: TypeDoubleArray, name: name, value: values}
	return nil
}

// SetOutput declares a named result to read back after evaluation.
func (rs *RScript) SetOutput(name string, dataType RDataType) {
	rs.outputs[name] = &rDataObject{dataType: dataType, name: name}
}

// OutputNames returns the declared output names.
func (rs *RScript) OutputNames() []string {
	names := make([]string, 0, len(rs.outputs))
	for name := range rs.outputs {
		names = append(names, name)
	}
	return names
}

// OutputType returns the declared type of a named output.
func (rs *RScript) OutputType(name string) (RDataType, bool) {
	output, ok := rs.outputs[name]
	if !ok {
		return 0, false
	}
	return output.dataType, true
}

// Execute borrows one connection, binds every input, evaluates the script in
// the remote global environment, and materializes every declared output. The
// connection goes back to the pool on every exit path. A script failure does
// not invalidate the connection; a broken transport does.
func (rs *RScript) Execute() error {

	connection, err := rs.pool.GetConnection()
	if err != nil {
		return err
	}

	broken := false
	defer func() {
		var returnErr error
		if broken {
			returnErr = rs.pool.InvalidateConnection(connection)
		} else {
			returnErr = rs.pool.ReturnConnection(connection)
		}
		if returnErr != nil {
			log().Warn("unable to return connection",
				zap.String("connectionID", connection.ID()),
				zap.Error(returnErr))
		}
	}()

	if err = rs.assignInputs(connection); err != nil {
		broken = isTransportError(err)
		return err
	}

	if err = connection.VoidEval(rs.script); err != nil {
		broken = isTransportError(err)
		log().Error("script evaluation failed",
			zap.String("script", rs.script),
			zap.Error(err))
		return err
	}

	if err = rs.readOutputs(connection); err != nil {
		broken = isTransportError(err)
		return err
	}

	return nil
}

func (rs *RScript) assignInputs(connection Connection) error {

	for _, input := range rs.inputs {
		var err error
		switch input.dataType {
		case TypeDouble:
			// A bare scalar has no typed assignment on the wire, so one is
			// synthesized as an evaluation.
			expr := fmt.Sprintf("%s <- %s", input.name, formatDoubleLiteral(input.value.(float64)))
			err = connection.VoidEval(expr)
		default:
			err = connection.Assign(input.name, input.value)
		}
		if err != nil {
			return fmt.Errorf("assigning input %q: %w", input.name, err)
		}
	}
	return nil
}

func (rs *RScript) readOutputs(connection Connection) error {

	for _, output := range rs.outputs {
		value, err := connection.Eval(output.name)
		if err != nil {
			return fmt.Errorf("reading output %q: %w", output.name, err)
		}

		materialized, err := coerceValue(output.dataType, value)
		if err != nil {
			return fmt.Errorf("output %q: %w", output.name, err)
		}
		output.value = materialized
	}
	return nil
}

// formatDoubleLiteral renders a float as a literal the remote interpreter
// accepts; the host language's NaN/Inf spellings are not valid there.
func formatDoubleLiteral(value float64) string {
	switch {
	case math.IsNaN(value):
		return "NaN"
	case math.IsInf(value, 1):
		return "Inf"
	case math.IsInf(value, -1):
		return "-Inf"
	default:
		return strconv.FormatFloat(value, 'g', -1, 64)
	}
}

func coerceValue(dataType RDataType, value interface{}) (interface{}, error) {

	switch dataType {
	case TypeString:
		switch v := value.(type) {
		case string:
			return v, nil
		case []string:
			if len(v) > 0 {
				return v[0], nil
			}
		}
	case TypeStringArray:
		switch v := value.(type) {
		case []string:
			return v, nil
		case string:
			return []string{v}, nil
		}
	case TypeDouble:
		switch v := value.(type) {
		case float64:
			return v, nil
		case []float64:
			if len(v) > 0 {
				return v[0], nil
			}
		}
	case TypeDoubleArray:
		switch v := value.(type) {
		case []float64:
			return v, nil
		case float64:
			return []float64{v}, nil
		}
	}

	return nil, fmt.Errorf("unexpected remote value of type %T", value)
}

// GetOutputString returns the materialized character value for a field, or
// the empty string when the field was not declared or not yet materialized.
func (rs *RScript) GetOutputString(name string) string {
	if value, ok := rs.outputValue(name, TypeString); ok {
		return value.(string)
	}
	return ""
}

// GetOutputStrings returns the materialized character vector for a field, or
// nil.
func (rs *RScript) GetOutputStrings(name string) []string {
	if value, ok := rs.outputValue(name, TypeStringArray); ok {
		return value.([]string)
	}
	return nil
}

// GetOutputDouble returns the materialized scalar for a field, or NaN when
// the field was not declared or not yet materialized.
func (rs *RScript) GetOutputDouble(name string) float64 {
	if value, ok := rs.outputValue(name, TypeDouble); ok {
		return value.(float64)
	}
	return math.NaN()
}

// GetOutputDoubles returns the materialized vector for a field, or nil.
func (rs *RScript) GetOutputDoubles(name string) []float64 {
	if value, ok := rs.outputValue(name, TypeDoubleArray); ok {
		return value.([]float64)
	}
	return nil
}

// GetOutput returns the materialized value for a field regardless of type, or
// nil.
func (rs *RScript) GetOutput(name string) interface{} {
	output, ok := rs.outputs[name]
	if !ok {
		return nil
	}
	return output.value
}

func (rs *RScript) outputValue(name string, dataType RDataType) (interface{}, bool) {
	output, ok := rs.outputs[name]
	if !ok || output.dataType != dataType || output.value == nil {
		return nil, false
	}
	return output.value, true
}

// Flatten2DFloat64ByRows flattens a matrix row-major so it can be assigned as
// a vector and reshaped remotely.
func Flatten2DFloat64ByRows(src [][]float64) []float64 {
	if len(src) == 0 {
		return nil
	}
	dest := make([]float64, 0, len(src)*len(src[0]))
	for _, row := range src {
		dest = append(dest, row...)
	}
	return dest
}

// Flatten2DInt64ByRows flattens an integer matrix row-major.
func Flatten2DInt64ByRows(src [][]int64) []int64 {
	if len(src) == 0 {
		return nil
	}
	dest := make([]int64, 0, len(src)*len(src[0]))
	for _, row := range src {
		dest = append(dest, row...)
	}
	return dest
}
