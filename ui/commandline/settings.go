// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/stein/pkg/support/fsutil"
	"github.com/gomlx/stein/pkg/support/params"
	"github.com/pkg/errors"
)

// ScopeSeparator separates scopes in a parameter path, e.g. "worker_1/learning_rate".
const ScopeSeparator = "/"

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters "param1", "param2", etc. must be already set with default values
// in `p`. The default values are also used to set the type to which the
// string values will be parsed to.
//
// It updates `p` accordingly and returns the list of parameters set, or an error in case a parameter
// is unknown or the parsing failed.
//
// Note, one can also provide a scope for the parameters: "worker_1/learning_rate=0.1"
// will work, as long as a default "learning_rate" is defined in `p`.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// Example usage:
//
//	func main() {
//		p := params.New(defaults)
//		settings := commandline.CreateSettingsFlag(p, "")
//		flag.Parse()
//		_, err := commandline.ParseSettings(p, *settings)
//		if err != nil { klog.Fatalf("%+v", err) }
//		fmt.Println(p)
//		...
//	}
func ParseSettings(p *params.Params, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(p, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(p *params.Params, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if strings.HasPrefix(setting, "file:") {
		return parseSettingsFile(p, strings.TrimPrefix(setting, "file:"), newParamsSet)
	}

	paramPath, valueStr, found := strings.Cut(setting, "=")
	if !found || strings.Contains(valueStr, "=") {
		err = errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
		return
	}
	paramPath = strings.TrimPrefix(strings.TrimSpace(paramPath), ScopeSeparator)
	paramName := paramPath
	if idx := strings.LastIndex(paramPath, ScopeSeparator); idx >= 0 {
		paramName = paramPath[idx+1:]
	}
	defaultValue, found := p.Get(paramName)
	if !found {
		err = errors.Errorf("can't set parameter %q because the param %q has no default value", paramPath, paramName)
		return
	}
	value, err := parseValue(defaultValue, strings.TrimSpace(valueStr))
	if err != nil {
		err = errors.WithMessagef(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, paramPath, defaultValue)
		return
	}
	p.Set(paramPath, value)
	newParamsSet = append(newParamsSet, paramPath)
	return
}

// parseSettingsFile reads settings from a file: new-lines work as ";", and lines starting with "#" are comments.
func parseSettingsFile(p *params.Params, filePath string, paramsSet []string) ([]string, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return paramsSet, err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return paramsSet, errors.Wrapf(err, "failed to read settings from file %q", filePath)
	}
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paramsSet, err = ParseSettings(p, line)
		if err != nil {
			return paramsSet, errors.WithMessagef(err, "in settings file %q", filePath)
		}
	}
	return paramsSet, nil
}

// parseValue parses valueStr to the same type as defaultValue.
func parseValue(defaultValue any, valueStr string) (value any, err error) {
	switch v := defaultValue.(type) {
	case int:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case int64:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case uint64:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case float64:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case string:
		value = valueStr
	case []string:
		value = strings.Split(valueStr, ",")
	case []int:
		value, err = parseList[int](valueStr, true)
	case []float64:
		value, err = parseList[float64](valueStr, false)
	default:
		err = errors.Errorf("don't know how to parse type %T", defaultValue)
	}
	return
}

func parseList[T int | float64](valueStr string, removeUnderscores bool) ([]T, error) {
	parts := strings.Split(valueStr, ",")
	values := make([]T, len(parts))
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if removeUnderscores {
			part = strings.ReplaceAll(part, "_", "")
		}
		if err := json.Unmarshal([]byte(part), &values[i]); err != nil {
			return nil, errors.Wrapf(err, "element #%d of list", i)
		}
	}
	return values, nil
}

// CreateSettingsFlag create a string flag with the given flagName (if empty it will be named
// "set") and with a description of the current defined parameters in `p`.
//
// The flag should be created before the call to `flags.Parse()`.
func CreateSettingsFlag(p *params.Params, flagName string) *string {
	return CreateSettingsFlagSet(flag.CommandLine, p, flagName)
}

// CreateSettingsFlagSet is like CreateSettingsFlag, but for a custom flag.FlagSet.
func CreateSettingsFlagSet(fs *flag.FlagSet, p *params.Params, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{fmt.Sprintf(
		`Set hyperparameters. `+
			`It should be a list of elements "param=value" separated by ";". `+
			`Scoped settings are allowed, by using %q to separated scopes. `+
			`It can also be given an entry like: "file:settings_file.txt", in `+
			`which case the file will be read and the settings will be parsed, `+
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. `+
			`Current available parameters that can be set:`,
		ScopeSeparator)}
	for _, key := range p.Keys() {
		if strings.Contains(key, ScopeSeparator) {
			continue
		}
		value, _ := p.Get(key)
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	}
	return fs.String(flagName, "", strings.Join(parts, "\n"))
}

// SprintModifiedSettings pretty-prints the values of the parameters that were set, sorted and without duplicates.
func SprintModifiedSettings(p *params.Params, paramsSet []string) string {
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	paramsSet = slices.Compact(paramsSet)
	parts := make([]string, 0, len(paramsSet))
	for _, paramPath := range paramsSet {
		value, found := p.Get(paramPath)
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", paramPath, value, value))
	}
	return strings.Join(parts, "\n")
}
