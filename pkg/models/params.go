package models

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// templateVarRegex matches {{variable}} placeholders in prompt templates.
var templateVarRegex = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// ExtractVariables extracts {{variable}} placeholder names from a prompt template.
func ExtractVariables(template string) []string {
	matches := templateVarRegex.FindAllStringSubmatch(template, -1)
	seen := make(map[string]bool)
	var vars []string
	for _, match := range matches {
		if len(match) > 1 && !seen[match[1]] {
			seen[match[1]] = true
			vars = append(vars, match[1])
		}
	}
	return vars
}

// ExtractTreeVariables walks every string leaf of a parameter tree and returns
// the placeholders in first-seen order. Map keys are visited sorted so the
// order is deterministic.
func ExtractTreeVariables(tree map[string]interface{}) []string {
	seen := make(map[string]bool)
	var vars []string
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch t := v.(type) {
		case string:
			for _, name := range ExtractVariables(t) {
				if !seen[name] {
					seen[name] = true
					vars = append(vars, name)
				}
			}
		case map[string]interface{}:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(t[k])
			}
		case []interface{}:
			for _, e := range t {
				walk(e)
			}
		}
	}
	walk(tree)
	return vars
}

// GetPath resolves a dotted path ("prompt.messages.0.content") in a tree.
func GetPath(tree map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return tree, tree != nil
	}
	var cur interface{} = tree
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []interface{}:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// SetPath writes value at a dotted path, creating intermediate maps. List
// indices must already exist. The tree is modified in place; callers clone
// first.
func SetPath(tree map[string]interface{}, path string, value interface{}) error {
	if tree == nil {
		return fmt.Errorf("set %q: nil tree", path)
	}
	parts := strings.Split(path, ".")
	var cur interface{} = tree
	for i, part := range parts {
		last := i == len(parts)-1
		switch node := cur.(type) {
		case map[string]interface{}:
			if last {
				node[part] = value
				return nil
			}
			next, ok := node[part]
			if !ok || next == nil {
				next = make(map[string]interface{})
				node[part] = next
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return fmt.Errorf("set %q: index %q out of range", path, part)
			}
			if last {
				node[idx] = value
				return nil
			}
			cur = node[idx]
		default:
			return fmt.Errorf("set %q: %q is not a container", path, strings.Join(parts[:i], "."))
		}
	}
	return nil
}
