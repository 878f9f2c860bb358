package sandbox

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
)

// FileNode is one file's desired content.
type FileNode struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileTree maps sandbox paths to file content. It seeds the sandbox
// filesystem in one mount call; insertion order is irrelevant.
type FileTree map[string]string

// Nodes returns the tree as FileNodes sorted by path.
func (t FileTree) Nodes() []FileNode {
	nodes := make([]FileNode, 0, len(t))
	for p, content := range t {
		nodes = append(nodes, FileNode{Path: p, Content: content})
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Path < nodes[j].Path
	})
	return nodes
}

// Normalize returns a copy of the tree with every path cleaned. It fails on
// empty paths and on two keys that clean to the same path.
func (t FileTree) Normalize() (FileTree, error) {
	out := make(FileTree, len(t))
	for p, content := range t {
		clean, err := CleanPath(p)
		if err != nil {
			return nil, err
		}
		if _, dup := out[clean]; dup {
			return nil, fmt.Errorf("%w: duplicate path %s", ErrInvalidPath, clean)
		}
		out[clean] = content
	}
	return out, nil
}

// CleanPath turns a user supplied path into a sandbox-absolute path.
// "src/a.js", "/src/a.js" and "/src/../src/a.js" all become "/src/a.js".
func CleanPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	clean := path.Clean("/" + p)
	if clean == "/" {
		return "", fmt.Errorf("%w: %q names the sandbox root", ErrInvalidPath, p)
	}
	return clean, nil
}

// ParseFileTree decodes a snapshot in either of the two shapes the editor
// produces: a flat {"path": "content"} object, or the nested form
//
//	{"src": {"directory": {"a.js": {"file": {"contents": "x=1"}}}}}
func ParseFileTree(data []byte) (FileTree, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode file tree: %w", err)
	}

	tree := FileTree{}
	if err := flattenInto(tree, "", raw); err != nil {
		return nil, err
	}
	return tree, nil
}

type treeEntry struct {
	File *struct {
		Contents string `json:"contents"`
	} `json:"file"`
	Directory map[string]json.RawMessage `json:"directory"`
}

func flattenInto(tree FileTree, prefix string, raw map[string]json.RawMessage) error {
	for name, value := range raw {
		full := prefix + "/" + strings.Trim(name, "/")

		var content string
		if err := json.Unmarshal(value, &content); err == nil {
			tree[path.Clean(full)] = content
			continue
		}

		var entry treeEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("decode entry %s: %w", full, err)
		}
		switch {
		case entry.File != nil:
			tree[path.Clean(full)] = entry.File.Contents
		case entry.Directory != nil:
			if err := flattenInto(tree, full, entry.Directory); err != nil {
				return err
			}
		default:
			return fmt.Errorf("entry %s is neither a file nor a directory", full)
		}
	}
	return nil
}
