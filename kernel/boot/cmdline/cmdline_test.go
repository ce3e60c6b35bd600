package cmdline

import "testing"

func TestParseClassifiesTokens(t *testing.T) {
	cl := Parse("quiet init=/sbin/init acpi=off e1000.debug=1 e1000.promisc -- foo bar")

	if len(cl.Flags) != 1 || cl.Flags[0] != "quiet" {
		t.Fatalf("expected Flags = [quiet]; got %v", cl.Flags)
	}
	if v, ok := cl.Init(); !ok || v != "/sbin/init" {
		t.Fatalf("expected init=/sbin/init; got %q, %v", v, ok)
	}
	if cl.Options["acpi"] != "off" {
		t.Fatalf("expected acpi=off; got %q", cl.Options["acpi"])
	}

	want := []string{"debug=1", "promisc"}
	got := cl.ModuleArgs["e1000"]
	if len(got) != len(want) {
		t.Fatalf("expected ModuleArgs[e1000] = %v; got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected ModuleArgs[e1000] = %v; got %v", want, got)
		}
	}

	if len(cl.InitArgs) != 2 || cl.InitArgs[0] != "foo" || cl.InitArgs[1] != "bar" {
		t.Fatalf("expected InitArgs = [foo bar]; got %v", cl.InitArgs)
	}
}

func TestParseEmptyCmdLine(t *testing.T) {
	cl := Parse("")
	if len(cl.Flags) != 0 || len(cl.Options) != 0 || len(cl.ModuleArgs) != 0 || len(cl.InitArgs) != 0 {
		t.Fatalf("expected an empty CmdLine; got %+v", cl)
	}
}

func TestParseWithoutInitSeparator(t *testing.T) {
	cl := Parse("ro single")
	if len(cl.InitArgs) != 0 {
		t.Fatalf("expected no InitArgs without '--'; got %v", cl.InitArgs)
	}
	if len(cl.Flags) != 2 {
		t.Fatalf("expected 2 flags; got %v", cl.Flags)
	}
}
