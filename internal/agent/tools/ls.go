package tools

import (
	"cmp"
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"charm.land/fantasy"
	"github.com/parley-ai/parley/internal/fsext"
)

type LSParams struct {
	Path   string   `json:"path,omitempty" description:"The path to the directory to list (defaults to current working directory)"`
	Ignore []string `json:"ignore,omitempty" description:"List of glob patterns to ignore"`
	Depth  int      `json:"depth,omitempty" description:"The maximum depth to traverse"`
}

type TreeNode struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Type     string      `json:"type"` // "file" or "directory"
	Children []*TreeNode `json:"children,omitempty"`
}

type LSResponseMetadata struct {
	NumberOfFiles int  `json:"number_of_files"`
	Truncated     bool `json:"truncated"`
}

const (
	LSToolName = "ls"
	maxLSFiles = 1000
)

//go:embed ls.md
var lsDescription []byte

// LsLimits bounds what the ls tool returns. Zero values mean unlimited
// depth and the default entry cap.
type LsLimits struct {
	Depth    int
	MaxFiles int
}

func NewLsTool(workingDir string, limits LsLimits) fantasy.AgentTool {
	return fantasy.NewAgentTool(
		LSToolName,
		string(lsDescription),
		func(ctx context.Context, params LSParams, call fantasy.ToolCall) (fantasy.ToolResponse, error) {
			searchPath, err := resolvePath(workingDir, params.Path)
			if err != nil {
				return fantasy.NewTextErrorResponse(err.Error()), nil
			}

			output, metadata, err := ListDirectoryTree(searchPath, params, limits)
			if err != nil {
				return fantasy.NewTextErrorResponse(err.Error()), nil
			}

			return fantasy.WithResponseMetadata(
				fantasy.NewTextResponse(output),
				metadata,
			), nil
		})
}

func ListDirectoryTree(searchPath string, params LSParams, limits LsLimits) (string, LSResponseMetadata, error) {
	if _, err := os.Stat(searchPath); os.IsNotExist(err) {
		return "", LSResponseMetadata{}, fmt.Errorf("path does not exist: %s", searchPath)
	}

	depth := cmp.Or(params.Depth, limits.Depth)
	maxFiles := cmp.Or(limits.MaxFiles, maxLSFiles)
	files, truncated, err := fsext.ListDirectory(searchPath, params.Ignore, depth, maxFiles)
	if err != nil {
		return "", LSResponseMetadata{}, fmt.Errorf("error listing directory: %w", err)
	}

	metadata := LSResponseMetadata{
		NumberOfFiles: len(files),
		Truncated:     truncated,
	}
	tree := createFileTree(files, searchPath)

	var output string
	if truncated {
		output = fmt.Sprintf("There are more than %d files in the directory. Use a more specific path or use the glob tool to find specific files. The first %[1]d files and directories are included below.\n", maxFiles)
	}
	if depth > 0 {
		output += fmt.Sprintf("The directory tree is shown up to a depth of %d. Use a higher depth and a specific path to see more levels.\n", depth)
	}
	return output + "\n" + printTree(tree, searchPath), metadata, nil
}

func createFileTree(sortedPaths []string, rootPath string) []*TreeNode {
	root := []*TreeNode{}
	pathMap := make(map[string]*TreeNode)

	for _, path := range sortedPaths {
		relativePath := strings.TrimPrefix(path, rootPath)
		var parts []string
		for part := range strings.SplitSeq(relativePath, string(filepath.Separator)) {
			if part != "" {
				parts = append(parts, part)
			}
		}
		if len(parts) == 0 {
			continue
		}

		currentPath := ""
		parentPath := ""
		for i, part := range parts {
			currentPath = filepath.Join(currentPath, part)
			if _, exists := pathMap[currentPath]; exists {
				parentPath = currentPath
				continue
			}

			nodeType := "file"
			if i < len(parts)-1 || strings.HasSuffix(relativePath, string(filepath.Separator)) {
				nodeType = "directory"
			}
			node := &TreeNode{
				Name: part,
				Path: currentPath,
				Type: nodeType,
			}
			pathMap[currentPath] = node

			if parent, ok := pathMap[parentPath]; ok && i > 0 {
				parent.Children = append(parent.Children, node)
			} else {
				root = append(root, node)
			}
			parentPath = currentPath
		}
	}

	return root
}

func printTree(tree []*TreeNode, rootPath string) string {
	var result strings.Builder

	result.WriteString("- ")
	result.WriteString(filepath.ToSlash(rootPath))
	if !strings.HasSuffix(rootPath, "/") {
		result.WriteByte('/')
	}
	result.WriteByte('\n')

	for _, node := range tree {
		printNode(&result, node, 1)
	}

	return result.String()
}

func printNode(builder *strings.Builder, node *TreeNode, level int) {
	name := node.Name
	if node.Type == "directory" {
		name += "/"
	}
	fmt.Fprintf(builder, "%s- %s\n", strings.Repeat("  ", level), name)

	for _, child := range node.Children {
		printNode(builder, child, level+1)
	}
}
