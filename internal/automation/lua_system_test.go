//go:build !no_automation

package automation

import (
	"context"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func withClock(t *testing.T, ts time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return ts }
	t.Cleanup(func() { now = prev })
}

func newSystemState(t *testing.T) (*lua.LState, *[]string) {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(L.Close)

	var logs []string
	vm := &scriptVM{logf: func(level, msg string) { logs = append(logs, level+":"+msg) }}
	registerSystemModule(L, vm, &Engine{logger: testLogger()})
	return L, &logs
}

func TestSystemDatetime(t *testing.T) {
	withClock(t, time.Date(2024, time.March, 9, 14, 5, 30, 0, time.UTC))
	L, _ := newSystemState(t)

	tests := []struct {
		component string
		want      lua.LValue
	}{
		{"hour", lua.LNumber(14)},
		{"minute", lua.LNumber(5)},
		{"second", lua.LNumber(30)},
		{"weekday", lua.LNumber(time.Saturday)},
		{"day", lua.LNumber(9)},
		{"month", lua.LNumber(3)},
		{"year", lua.LNumber(2024)},
		{"time_str", lua.LString("14:05:30")},
		{"date_str", lua.LString("2024-03-09")},
	}
	for _, tt := range tests {
		L.SetGlobal("_comp", lua.LString(tt.component))
		if err := L.DoString(`_result = system.datetime(_comp)`); err != nil {
			t.Fatalf("system.datetime(%q): %v", tt.component, err)
		}
		if got := L.GetGlobal("_result"); got != tt.want {
			t.Errorf("system.datetime(%q) = %v, want %v", tt.component, got, tt.want)
		}
	}
}

func TestSystemDatetimeUnknown(t *testing.T) {
	L, _ := newSystemState(t)
	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("expected error for unknown component")
	}
}

func TestSystemTimeBetween(t *testing.T) {
	tests := []struct {
		hour     int
		from, to int
		want     bool
	}{
		{10, 8, 22, true},
		{8, 8, 22, true},
		{22, 8, 22, false},
		{23, 22, 6, true},
		{3, 22, 6, true},
		{6, 22, 6, false},
		{12, 22, 6, false},
	}
	for _, tt := range tests {
		withClock(t, time.Date(2024, 1, 1, tt.hour, 0, 0, 0, time.UTC))
		L, _ := newSystemState(t)
		L.SetGlobal("_from", lua.LNumber(tt.from))
		L.SetGlobal("_to", lua.LNumber(tt.to))
		if err := L.DoString(`_result = system.time_between(_from, _to)`); err != nil {
			t.Fatal(err)
		}
		if got := L.GetGlobal("_result"); got != lua.LBool(tt.want) {
			t.Errorf("hour %d in [%d,%d) = %v, want %v", tt.hour, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSystemLog(t *testing.T) {
	L, logs := newSystemState(t)
	if err := L.DoString(`system.log("warn", "low battery")`); err != nil {
		t.Fatal(err)
	}
	if len(*logs) != 1 || (*logs)[0] != "warn:low battery" {
		t.Errorf("logs = %v", *logs)
	}
}

func TestSandboxedGlobals(t *testing.T) {
	e := &Engine{logger: testLogger(), dev: &fakeDevice{}}
	L, _ := e.newVM(context.Background(), func() {})
	defer L.Close()

	for _, name := range []string{"os", "io", "require", "load", "dofile", "loadfile", "debug", "package"} {
		if L.GetGlobal(name) != lua.LNil {
			t.Errorf("%s is reachable from scripts", name)
		}
	}
	if err := L.DoString(`os.execute("true")`); err == nil {
		t.Error("os.execute should fail")
	}
}
