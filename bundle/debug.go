package bundle

import "gopkg.in/yaml.v3"

// DumpParams renders a part's name, id, parameter maps and chunk count
// as YAML for debug inspection, the same "inspect the wire payload as
// structured text" idiom distribution-distribution's manifest debug
// dumps use. No CLI command calls it.
func DumpParams(p *Part) (string, error) {
	doc := map[string]interface{}{
		"name":      p.Name,
		"id":        p.ID,
		"mandatory": p.Mandatory,
		"advisory":  p.Advisory,
		"chunks":    len(p.Chunks),
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
