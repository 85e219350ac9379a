package cmd

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

type taxNode struct {
	parent int
	rank   string
	name   string
}

// taxDump is an NCBI taxdump (nodes.dmp + names.dmp) reduced to the ranks
// used for labels.
type taxDump struct {
	nodes map[int]taxNode
	cache map[int]lineage
}

func loadTaxDump(nodesPath, namesPath string) (*taxDump, error) {
	names, err := loadNames(namesPath)
	if err != nil {
		return nil, err
	}
	nodes, err := loadNodes(nodesPath, names)
	if err != nil {
		return nil, err
	}
	return &taxDump{
		nodes: nodes,
		cache: make(map[int]lineage),
	}, nil
}

func loadNames(path string) (map[int]string, error) {
	names := make(map[int]string, 1<<20)
	err := scanDmp(path, func(fields []string) {
		if len(fields) < 4 || fields[3] != "scientific name" || fields[1] == "" {
			return
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return
		}
		names[id] = fields[1]
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func loadNodes(path string, names map[int]string) (map[int]taxNode, error) {
	nodes := make(map[int]taxNode, 1<<20)
	err := scanDmp(path, func(fields []string) {
		if len(fields) < 3 {
			return
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return
		}
		parent, err := strconv.Atoi(fields[1])
		if err != nil {
			return
		}
		nodes[id] = taxNode{parent: parent, rank: fields[2], name: names[id]}
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func scanDmp(path string, fn func(fields []string)) error {
	f, err := openInput(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 10*1024*1024)
	for scanner.Scan() {
		fn(parseDmpLine(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}
	return nil
}

func parseDmpLine(line string) []string {
	raw := strings.Split(strings.TrimSuffix(line, "\t|"), "\t|\t")
	out := make([]string, len(raw))
	for i, part := range raw {
		out[i] = strings.TrimSpace(part)
	}
	return out
}

// lineage walks from taxid to the root and keeps the first name seen for
// every label rank.
func (t *taxDump) lineage(taxid int) (lineage, bool) {
	if taxid <= 0 {
		return lineage{}, false
	}
	if cached, ok := t.cache[taxid]; ok {
		return cached, true
	}
	if _, ok := t.nodes[taxid]; !ok {
		return lineage{}, false
	}
	var lin lineage
	cur := taxid
	for seen := 0; cur > 0 && seen < 64; seen++ {
		node, ok := t.nodes[cur]
		if !ok {
			break
		}
		if idx, ok := rankIndex(node.rank); ok && node.name != "" && lin[idx] == "" {
			lin[idx] = node.name
		}
		if node.parent == cur {
			break
		}
		cur = node.parent
	}
	t.cache[taxid] = lin
	return lin, true
}
