package drivers

import (
	"testing"

	"github.com/TheSnowHatHero/GrappleHook/internal/frame"
)

func TestRequireMajor(t *testing.T) {
	tests := []struct {
		want    string
		version string
		ok      bool
	}{
		{"v2", "2.1.0", true},
		{"v2", "v2.0.3", true},
		{"2", "2.0.0", true},
		{"v2", "1.9.9", false},
		{"v2", "3.0.0", false},
		{"v2", "", false},
		{"v2", "garbage", false},
	}

	for _, tt := range tests {
		t.Run(tt.want+"/"+tt.version, func(t *testing.T) {
			if got := RequireMajor(tt.want)(tt.version); got != tt.ok {
				t.Errorf("RequireMajor(%q)(%q) = %v, want %v", tt.want, tt.version, got, tt.ok)
			}
		})
	}
}

func TestDefaultCatalogue(t *testing.T) {
	c := DefaultCatalogue(map[string]string{"LaserCAN": "v3", "FlexiCAN": ""})

	laser, ok := c.Lookup(frame.ModelLaserCAN)
	if !ok {
		t.Fatal("LaserCAN missing from the default catalogue")
	}
	if laser.FlashBlockSize != 8 {
		t.Errorf("LaserCAN block size = %d, want 8", laser.FlashBlockSize)
	}
	if laser.Requirement != "v3.x" || !laser.Compatible("3.0.1") || laser.Compatible("2.0.0") {
		t.Errorf("LaserCAN requirement override not applied: %q", laser.Requirement)
	}

	mito, _ := c.Lookup(frame.ModelMitoCANdria)
	if mito.FlashBlockSize != 64 || mito.Class != "MitoCANdria" {
		t.Errorf("MitoCANdria = %+v", mito)
	}

	flexi, _ := c.Lookup(frame.ModelFlexiCAN)
	if flexi.Compatible != nil {
		t.Error("empty requirement should disable gating")
	}

	if _, ok := c.Lookup(frame.ModelID(99)); ok {
		t.Error("Lookup() found an unregistered model")
	}

	models := c.Models()
	if len(models) != 3 || models[0].ID != frame.ModelLaserCAN || models[2].ID != frame.ModelFlexiCAN {
		t.Errorf("Models() order = %v", models)
	}
}
