package masklocator

import (
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
)

// Kind tags the variant held by a Node
type Kind int

const (
	KindOther Kind = iota
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "other"
	}
}

// Node is one value of a schema-unstable upstream payload
type Node struct {
	Kind   Kind
	Str    string
	Items  []Node
	Fields []Field
}

// Field is a key/value pair of a map node. Fields keep document order.
type Field struct {
	Key   string
	Value Node
}

// String builds a string node
func String(s string) Node { return Node{Kind: KindString, Str: s} }

// List builds a list node
func List(items ...Node) Node { return Node{Kind: KindList, Items: items} }

// Map builds a map node
func Map(fields ...Field) Node { return Node{Kind: KindMap, Fields: fields} }

// Get returns the value stored under key in a map node
func (n Node) Get(key string) (Node, bool) {
	if n.Kind != KindMap {
		return Node{}, false
	}
	for _, f := range n.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Node{}, false
}

// Parse builds a Node from raw JSON, keeping object keys in document order
func Parse(raw []byte) (Node, error) {
	if !gjson.ValidBytes(raw) {
		return Node{}, fmt.Errorf("invalid JSON payload")
	}
	return fromResult(gjson.ParseBytes(raw)), nil
}

func fromResult(r gjson.Result) Node {
	switch {
	case r.IsObject():
		n := Node{Kind: KindMap}
		r.ForEach(func(key, value gjson.Result) bool {
			n.Fields = append(n.Fields, Field{Key: key.String(), Value: fromResult(value)})
			return true
		})
		return n
	case r.IsArray():
		n := Node{Kind: KindList}
		r.ForEach(func(_, value gjson.Result) bool {
			n.Items = append(n.Items, fromResult(value))
			return true
		})
		return n
	case r.Type == gjson.String:
		return String(r.Str)
	default:
		return Node{Kind: KindOther}
	}
}

// FromValue converts decoded Go values (as produced by encoding/json) into a
// Node. Go maps carry no order, so their keys are sorted.
func FromValue(v any) Node {
	switch t := v.(type) {
	case string:
		return String(t)
	case []any:
		n := Node{Kind: KindList, Items: make([]Node, 0, len(t))}
		for _, item := range t {
			n.Items = append(n.Items, FromValue(item))
		}
		return n
	case []string:
		n := Node{Kind: KindList, Items: make([]Node, 0, len(t))}
		for _, item := range t {
			n.Items = append(n.Items, String(item))
		}
		return n
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		n := Node{Kind: KindMap, Fields: make([]Field, 0, len(t))}
		for _, k := range keys {
			n.Fields = append(n.Fields, Field{Key: k, Value: FromValue(t[k])})
		}
		return n
	case map[string]string:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		n := Node{Kind: KindMap, Fields: make([]Field, 0, len(t))}
		for _, k := range keys {
			n.Fields = append(n.Fields, Field{Key: k, Value: String(t[k])})
		}
		return n
	default:
		return Node{Kind: KindOther}
	}
}
