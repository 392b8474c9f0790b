// tree.go backs the Dirstate's directory listings and case-insensitive
// collision detection with a path tree, adapted from the teacher's
// node.Node (node/node.go) — which tracked per-branch directory
// contents to reconcile git renames/deletes/copies — generalized here
// from "one tree per git branch" to "one tree per working-copy parent",
// and extended with the collision-reporting FindFile needs for spec.md
// §4.6's case-insensitive-filesystem safety check.
package dirstate

import "strings"

// pathNode is one component of the tracked-path tree: either an
// intermediate directory (IsFile == false) or a leaf tracked path.
type pathNode struct {
	name            string
	fullPath        string
	isFile          bool
	caseInsensitive bool
	children        []*pathNode
}

func newPathNode(name string, caseInsensitive bool) *pathNode {
	return &pathNode{name: name, caseInsensitive: caseInsensitive}
}

func (n *pathNode) namesEqual(a, b string) bool {
	if n.caseInsensitive {
		return len(a) == len(b) && strings.EqualFold(a, b)
	}
	return a == b
}

// add inserts fullPath into the tree, returning the existing colliding
// leaf name (if any) under case-insensitive comparison so the caller can
// raise a PathError instead of silently shadowing an existing file.
func (n *pathNode) add(fullPath string) (collision string, ok bool) {
	return n.addSub(fullPath, fullPath)
}

func (n *pathNode) addSub(fullPath, remaining string) (string, bool) {
	parts := strings.SplitN(remaining, "/", 2)
	head := parts[0]
	if len(parts) == 1 {
		for _, c := range n.children {
			if n.namesEqual(c.name, head) {
				if c.name != head {
					return c.fullPath, false
				}
				return "", true // already registered, same name exactly
			}
		}
		n.children = append(n.children, &pathNode{name: head, isFile: true, fullPath: fullPath, caseInsensitive: n.caseInsensitive})
		return "", true
	}
	for _, c := range n.children {
		if n.namesEqual(c.name, head) {
			if c.isFile {
				return c.fullPath, false // a file occupies what should be a directory
			}
			return c.addSub(fullPath, parts[1])
		}
	}
	child := newPathNode(head, n.caseInsensitive)
	n.children = append(n.children, child)
	return child.addSub(fullPath, parts[1])
}

func (n *pathNode) remove(remaining string) {
	parts := strings.SplitN(remaining, "/", 2)
	head := parts[0]
	if len(parts) == 1 {
		for i, c := range n.children {
			if n.namesEqual(c.name, head) {
				n.children = append(n.children[:i], n.children[i+1:]...)
				return
			}
		}
		return
	}
	for _, c := range n.children {
		if n.namesEqual(c.name, head) && !c.isFile {
			c.remove(parts[1])
			return
		}
	}
}

func (n *pathNode) leafPaths() []string {
	var out []string
	for _, c := range n.children {
		if c.isFile {
			out = append(out, c.fullPath)
		} else {
			out = append(out, c.leafPaths()...)
		}
	}
	return out
}

// filesUnder lists every tracked leaf path under dir ("" for the root).
func (n *pathNode) filesUnder(dir string) []string {
	if dir == "" {
		return n.leafPaths()
	}
	parts := strings.SplitN(dir, "/", 2)
	for _, c := range n.children {
		if !n.namesEqual(c.name, parts[0]) {
			continue
		}
		if c.isFile {
			return []string{c.fullPath}
		}
		if len(parts) == 1 {
			return c.leafPaths()
		}
		return c.filesUnder(parts[1])
	}
	return nil
}
