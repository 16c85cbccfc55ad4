package pathres

import (
	"testing"

	"github.com/bedrocklinux/bedrock-core/pkg/types"
)

func entries() []*types.RoutingEntry {
	return []*types.RoutingEntry{
		{
			VirtualPath: "/bin/vi",
			Filter:      types.FilterBin,
			Backing: []types.BackingLocation{
				{Stratum: "strataA", Path: "/usr/bin/vi"},
				{Stratum: "strataB", Path: "/usr/bin/vi"},
			},
		},
		{
			VirtualPath: "/etc/fonts",
			Filter:      types.FilterFont,
			Backing: []types.BackingLocation{
				{Stratum: "local", Path: "/etc/fonts"},
			},
		},
	}
}

func TestResolver_Classify_ExactBacking(t *testing.T) {
	r := NewResolver(Config{ControlFilePath: "/.bedrock-config-filesystem"})

	class, entry, suffix := r.Classify("/bin/vi", entries())
	if class != types.ClassBacking {
		t.Fatalf("class = %v, want %v", class, types.ClassBacking)
	}
	if entry.VirtualPath != "/bin/vi" {
		t.Errorf("entry = %v", entry)
	}
	if suffix != "" {
		t.Errorf("suffix = %q, want empty", suffix)
	}
}

func TestResolver_Classify_DescendantBacking(t *testing.T) {
	r := NewResolver(Config{ControlFilePath: "/.bedrock-config-filesystem"})

	class, entry, suffix := r.Classify("/etc/fonts/fonts.dir", entries())
	if class != types.ClassBacking {
		t.Fatalf("class = %v, want %v", class, types.ClassBacking)
	}
	if entry.VirtualPath != "/etc/fonts" {
		t.Errorf("entry = %v", entry)
	}
	if suffix != "/fonts.dir" {
		t.Errorf("suffix = %q, want /fonts.dir", suffix)
	}
}

func TestResolver_Classify_VirtualIntermediate(t *testing.T) {
	r := NewResolver(Config{ControlFilePath: "/.bedrock-config-filesystem"})

	class, _, _ := r.Classify("/bin", entries())
	if class != types.ClassVirtualIntermediate {
		t.Fatalf("class = %v, want %v", class, types.ClassVirtualIntermediate)
	}
}

func TestResolver_Classify_Root(t *testing.T) {
	r := NewResolver(Config{ControlFilePath: "/.bedrock-config-filesystem"})

	class, _, _ := r.Classify("/", nil)
	if class != types.ClassRoot {
		t.Fatalf("class = %v, want %v", class, types.ClassRoot)
	}
}

func TestResolver_Classify_ControlFile(t *testing.T) {
	r := NewResolver(Config{ControlFilePath: "/.bedrock-config-filesystem"})

	class, _, _ := r.Classify("/.bedrock-config-filesystem", entries())
	if class != types.ClassControlFile {
		t.Fatalf("class = %v, want %v", class, types.ClassControlFile)
	}
}

func TestResolver_Classify_LocalAlias(t *testing.T) {
	r := NewResolver(Config{
		ControlFilePath: "/.bedrock-config-filesystem",
		LocalAliasPath:  "/.local-alias",
	})

	class, _, _ := r.Classify("/.local-alias", entries())
	if class != types.ClassLocalAlias {
		t.Fatalf("class = %v, want %v", class, types.ClassLocalAlias)
	}
}

func TestResolver_Classify_NotFound(t *testing.T) {
	r := NewResolver(Config{ControlFilePath: "/.bedrock-config-filesystem"})

	class, _, _ := r.Classify("/nonexistent", entries())
	if class != types.ClassNotFound {
		t.Fatalf("class = %v, want %v", class, types.ClassNotFound)
	}
}

func TestResolver_Candidates_BuildsOrderedList(t *testing.T) {
	r := NewResolver(Config{ControlFilePath: "/.bedrock-config-filesystem"})
	entry := entries()[0]

	cands := r.Candidates(entry, "")
	if len(cands) != 2 {
		t.Fatalf("len(cands) = %d, want 2", len(cands))
	}
	if cands[0].Stratum != "strataA" || cands[0].Path != "/usr/bin/vi" {
		t.Errorf("cands[0] = %+v", cands[0])
	}
	if cands[1].Stratum != "strataB" {
		t.Errorf("cands[1] = %+v", cands[1])
	}
}

func TestResolver_Candidates_AppliesSuffix(t *testing.T) {
	r := NewResolver(Config{ControlFilePath: "/.bedrock-config-filesystem"})
	entry := entries()[1]

	cands := r.Candidates(entry, "/fonts.dir")
	if len(cands) != 1 {
		t.Fatalf("len(cands) = %d, want 1", len(cands))
	}
	if cands[0].Path != "/etc/fonts/fonts.dir" {
		t.Errorf("Path = %q, want /etc/fonts/fonts.dir", cands[0].Path)
	}
}

func TestResolver_Candidates_SkipsOverlong(t *testing.T) {
	r := NewResolver(Config{ControlFilePath: "/.bedrock-config-filesystem", MaxPathLen: 10})
	entry := entries()[0]

	cands := r.Candidates(entry, "")
	if len(cands) != 0 {
		t.Fatalf("expected every candidate to exceed the 10-byte limit, got %d", len(cands))
	}
}
