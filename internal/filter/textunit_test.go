package filter

import (
	"strings"
	"testing"
)

func TestTransformUnitInjectsStratInvocation(t *testing.T) {
	line := "ExecStart=/usr/bin/thing --flag"
	got := transformUnit(line, "work", "/bedrock/strata")
	want := "ExecStart=" + stratPath + " work " + "/usr/bin/thing --flag"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestTransformUnitExpandsPath(t *testing.T) {
	line := "Icon=/usr/share/icons/app.png"
	got := transformUnit(line, "work", "/bedrock/strata")
	want := "Icon=/bedrock/strata/work/usr/share/icons/app.png"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestTransformUnitLeavesOtherLinesAlone(t *testing.T) {
	line := "Description=Some Service"
	if got := transformUnit(line, "work", "/bedrock/strata"); got != line {
		t.Errorf("expected line unchanged, got %q", got)
	}
}

func TestRenderUnitPreservesTrailingNewline(t *testing.T) {
	data := []byte("[Unit]\nDescription=x\n")
	out := renderUnit(data, "work", "/bedrock/strata")
	if !strings.HasSuffix(string(out), "\n") {
		t.Error("expected trailing newline preserved")
	}
}

func TestRenderUnitNoTrailingNewline(t *testing.T) {
	data := []byte("[Unit]\nDescription=x")
	out := renderUnit(data, "work", "/bedrock/strata")
	if strings.HasSuffix(string(out), "\n") {
		t.Error("expected no trailing newline added")
	}
}

func TestIniVariantSizeMatchesStream(t *testing.T) {
	v := iniVariant()
	data := []byte("[Unit]\nExecStart=/usr/bin/thing\nIcon=/usr/share/icon.png\n")
	ctx := Context{
		Backings:   []ResolvedBacking{{Stratum: "work", Data: data, Mode: 0644}},
		StrataRoot: "/bedrock/strata",
	}

	attrs, err := v.Attrs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	full, err := v.StreamBytes(ctx, 0, attrs.Size)
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(full)) != attrs.Size {
		t.Errorf("full stream length %d != reported size %d", len(full), attrs.Size)
	}
}

func TestDetectUnitType(t *testing.T) {
	if got := detectUnitType([]byte("[Unit]\nDescription=x\n")); got != "systemd" {
		t.Errorf("expected systemd, got %q", got)
	}
	if got := detectUnitType([]byte("#!/bin/sh\necho hi\n")); got != "sysvinit" {
		t.Errorf("expected sysvinit, got %q", got)
	}
	if got := detectUnitType([]byte("random text")); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}

func TestServiceVariantTranslatesSystemdToSysvinit(t *testing.T) {
	v := serviceVariant()
	data := []byte("[Unit]\nDescription=x\n[Service]\nExecStart=/usr/bin/thing\n")
	ctx := Context{
		Backings:     []ResolvedBacking{{Stratum: "work", Data: data, Mode: 0644}},
		StrataRoot:   "/bedrock/strata",
		HostInitType: "sysvinit",
	}

	attrs, err := v.Attrs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	out, err := v.StreamBytes(ctx, 0, attrs.Size)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(out), "#!/bin/sh") {
		t.Errorf("expected translated init script, got %q", out)
	}
}

func TestServiceVariantUnmappedDirectionReturnsError(t *testing.T) {
	v := serviceVariant()
	data := []byte("#!/bin/sh\n### BEGIN INIT INFO\n### END INIT INFO\necho hi\n")
	ctx := Context{
		Backings:     []ResolvedBacking{{Stratum: "work", Data: data, Mode: 0644}},
		StrataRoot:   "/bedrock/strata",
		HostInitType: "systemd",
	}
	if _, err := v.Attrs(ctx); err == nil {
		t.Fatal("expected an error translating sysvinit to systemd, which is unmapped")
	}
	if _, err := v.StreamBytes(ctx, 0, 1<<20); err == nil {
		t.Fatal("expected an error translating sysvinit to systemd, which is unmapped")
	}
}

func TestServiceVariantSameTypeNoTranslation(t *testing.T) {
	v := serviceVariant()
	data := []byte("[Unit]\nDescription=x\n[Service]\nExecStart=/usr/bin/thing\n")
	ctx := Context{
		Backings:     []ResolvedBacking{{Stratum: "work", Data: data, Mode: 0644}},
		StrataRoot:   "/bedrock/strata",
		HostInitType: "systemd",
	}
	attrs, err := v.Attrs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	out, err := v.StreamBytes(ctx, 0, attrs.Size)
	if err != nil {
		t.Fatal(err)
	}
	if strings.HasPrefix(string(out), "#!/bin/sh") {
		t.Error("expected no translation when host matches backing type")
	}
}
