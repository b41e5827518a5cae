package render

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Node is one value of a result document laid out for display. Objects and
// arrays carry Children; everything else is rendered from Scalar.
type Node struct {
	Key      string
	Scalar   string
	Link     bool
	List     bool
	Children []Node
}

// buildTree decodes payload into display nodes. Object keys are sorted so
// the page is stable across renders.
func buildTree(payload []byte) ([]Node, error) {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	root := toNode("", doc)
	if root.Children == nil && !root.List {
		return []Node{root}, nil
	}
	return root.Children, nil
}

func toNode(key string, value any) Node {
	node := Node{Key: key}
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		node.Children = make([]Node, 0, len(keys))
		for _, k := range keys {
			node.Children = append(node.Children, toNode(k, v[k]))
		}
	case []any:
		node.List = true
		node.Children = make([]Node, 0, len(v))
		for i, item := range v {
			node.Children = append(node.Children, toNode(strconv.Itoa(i+1), item))
		}
	case string:
		node.Scalar = v
		node.Link = isLink(v)
	case float64:
		node.Scalar = strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		node.Scalar = strconv.FormatBool(v)
	case nil:
		node.Scalar = "null"
	}
	return node
}

func isLink(s string) bool {
	return len(s) > 8 && (s[:8] == "https://" || s[:7] == "http://")
}
