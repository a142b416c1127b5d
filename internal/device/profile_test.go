package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"shelly-go-home/internal/probe"
)

func profileProber(initial string, switchAfter int, next string) *fakeProber {
	return &fakeProber{probe: func(n int) (*probe.Identity, error) {
		id := plugIdentity()
		switch {
		case n == 1:
			id.Profile = strPtr(initial)
		case n <= switchAfter:
			return nil, errors.New("connection refused")
		default:
			id.Profile = strPtr(next)
		}
		return &id, nil
	}}
}

func TestSetProfileSameIsNoop(t *testing.T) {
	tr := newFakeTransport()
	d, _ := newTestDevice(t, tr, profileProber("switch", 1, "cover"), testOptions())
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := len(tr.Ops())

	if err := d.SetProfile(context.Background(), "switch"); err != nil {
		t.Fatalf("SetProfile: %v", err)
	}
	if len(tr.Ops()) != before {
		t.Errorf("ops after no-op switch = %v", tr.Ops()[before:])
	}
}

func TestSetProfileWithoutProfileIsNoop(t *testing.T) {
	tr := newFakeTransport()
	d, _ := newTestDevice(t, tr, staticProber(plugIdentity()), testOptions())
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := d.SetProfile(context.Background(), "cover"); err != nil {
		t.Fatalf("SetProfile: %v", err)
	}
	if tr.count("call:Shelly.SetProfile") != 0 {
		t.Error("profile change sent to a device without profiles")
	}
}

func TestSetProfile(t *testing.T) {
	tr := newFakeTransport()
	// Probe 1 is the initial identity, probes 2-3 fail while rebooting, probe
	// 4 reports the old profile, then the new one.
	pr := &fakeProber{probe: func(n int) (*probe.Identity, error) {
		id := plugIdentity()
		switch {
		case n == 1 || n == 4:
			id.Profile = strPtr("switch")
		case n < 4:
			return nil, errors.New("connection refused")
		default:
			id.Profile = strPtr("cover")
		}
		return &id, nil
	}}
	d, reg := newTestDevice(t, tr, pr, testOptions())
	rec := newUpdateRecorder()
	d.Subscribe(rec.fn)
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, UpdateInitialized)

	var gotName any
	tr.on("Shelly.SetProfile", func(p map[string]any) (map[string]any, error) {
		gotName = p["name"]
		return map[string]any{"restart_required": true}, nil
	})

	if err := d.SetProfile(context.Background(), "cover"); err != nil {
		t.Fatalf("SetProfile: %v", err)
	}
	if gotName != "cover" {
		t.Errorf("SetProfile name = %v", gotName)
	}
	rec.wait(t, UpdateInitialized)

	if p, _ := d.Profile(); p != "cover" {
		t.Errorf("profile = %q, want cover", p)
	}
	if reg.unsubs != 1 || reg.subs["192.168.1.50"] != 2 {
		t.Errorf("registry subs=%v unsubs=%d, want re-registration", reg.subs, reg.unsubs)
	}
	if n := pr.Calls(); n < 6 {
		t.Errorf("probes = %d, want polling until the new profile", n)
	}
}

func TestSetProfileTimeout(t *testing.T) {
	tr := newFakeTransport()
	opts := testOptions()
	opts.ProfileSwitchTimeout = 50 * time.Millisecond
	d, _ := newTestDevice(t, tr, profileProber("switch", 1<<30, "cover"), opts)
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := d.SetProfile(context.Background(), "cover")
	if !errors.Is(err, ErrProfileSwitchTimeout) {
		t.Fatalf("SetProfile = %v, want ErrProfileSwitchTimeout", err)
	}
	if Classify(err) != ClassRetryable {
		t.Errorf("Classify = %s", Classify(err))
	}
}

func TestSetProfileCancelled(t *testing.T) {
	tr := newFakeTransport()
	d, _ := newTestDevice(t, tr, profileProber("switch", 1<<30, "cover"), testOptions())
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := d.SetProfile(ctx, "cover"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("SetProfile = %v, want context deadline", err)
	}
}

func TestSetProfileMacMismatch(t *testing.T) {
	tr := newFakeTransport()
	pr := &fakeProber{probe: func(n int) (*probe.Identity, error) {
		if n == 1 {
			id := plugIdentity()
			id.Profile = strPtr("switch")
			return &id, nil
		}
		return nil, probe.ErrMacMismatch
	}}
	d, _ := newTestDevice(t, tr, pr, testOptions())
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := d.SetProfile(context.Background(), "cover"); !errors.Is(err, ErrMacMismatch) {
		t.Fatalf("SetProfile = %v, want ErrMacMismatch", err)
	}
}
