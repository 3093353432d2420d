package embedcheck

import (
	"encoding/json"
	"fmt"
)

// Embed is one item attached to a post. The set of variants is closed: [Image], [Video],
// [Record] and [External].
type Embed interface {
	embedKind() string
}

type Image struct {
	CID string
}

type Video struct {
	CID string
}

// Record is a reference to another piece of content, by AT-URI.
type Record struct {
	URI string
}

// External is a link to an arbitrary web URL.
type External struct {
	URI string
}

func (Image) embedKind() string    { return "image" }
func (Video) embedKind() string    { return "video" }
func (Record) embedKind() string   { return "record" }
func (External) embedKind() string { return "external" }

// Batch is the set of embeds extracted from a single post. It is not modified after being
// enqueued.
type Batch struct {
	Repo   string
	Path   string
	Embeds []Embed
}

type embedJSON struct {
	Type string `json:"$type"`
	CID  string `json:"cid,omitempty"`
	URI  string `json:"uri,omitempty"`
}

type batchJSON struct {
	Repo   string      `json:"repo"`
	Path   string      `json:"path"`
	Embeds []embedJSON `json:"embeds"`
}

func (b Batch) MarshalJSON() ([]byte, error) {
	out := batchJSON{
		Repo:   b.Repo,
		Path:   b.Path,
		Embeds: make([]embedJSON, 0, len(b.Embeds)),
	}
	for _, e := range b.Embeds {
		switch v := e.(type) {
		case Image:
			out.Embeds = append(out.Embeds, embedJSON{Type: v.embedKind(), CID: v.CID})
		case Video:
			out.Embeds = append(out.Embeds, embedJSON{Type: v.embedKind(), CID: v.CID})
		case Record:
			out.Embeds = append(out.Embeds, embedJSON{Type: v.embedKind(), URI: v.URI})
		case External:
			out.Embeds = append(out.Embeds, embedJSON{Type: v.embedKind(), URI: v.URI})
		default:
			return nil, fmt.Errorf("unsupported embed type: %T", e)
		}
	}
	return json.Marshal(out)
}

func (b *Batch) UnmarshalJSON(data []byte) error {
	var in batchJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Repo == "" {
		return fmt.Errorf("embed batch missing repo")
	}
	embeds := make([]Embed, 0, len(in.Embeds))
	for i, e := range in.Embeds {
		switch e.Type {
		case "image":
			embeds = append(embeds, Image{CID: e.CID})
		case "video":
			embeds = append(embeds, Video{CID: e.CID})
		case "record":
			embeds = append(embeds, Record{URI: e.URI})
		case "external":
			embeds = append(embeds, External{URI: e.URI})
		default:
			return fmt.Errorf("embed %d: unsupported $type %q", i, e.Type)
		}
	}
	b.Repo = in.Repo
	b.Path = in.Path
	b.Embeds = embeds
	return nil
}
