package definition

import (
	"testing"

	"github.com/pitabwire/docket/model"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	tpl, err := l.LoadFile("testdata/templates/employment_dispute.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if tpl.Key != "employment_dispute" {
		t.Errorf("Key = %q, want employment_dispute", tpl.Key)
	}
	if tpl.Version != 1 {
		t.Errorf("Version = %d, want 1", tpl.Version)
	}
	if !tpl.IsActive {
		t.Error("IsActive = false, want true when the file omits active")
	}
	if len(tpl.Stages) != 3 {
		t.Fatalf("Stages = %d, want 3", len(tpl.Stages))
	}

	ec := tpl.Stages[1]
	if ec.GateType != model.GateSoft {
		t.Errorf("Stages[1].GateType = %q, want soft", ec.GateType)
	}
	if len(ec.ApplicabilityConditions) != 2 {
		t.Fatalf("Stages[1] conditions = %d, want 2", len(ec.ApplicabilityConditions))
	}
	if ec.ApplicabilityConditions[0].Key != "jurisdiction" || ec.ApplicabilityConditions[1].Key != "has_acas_certificate" {
		t.Errorf("condition order = %v, want declaration order", ec.ApplicabilityConditions)
	}
	if ec.ApplicabilityConditions[1].Value != false {
		t.Errorf("has_acas_certificate = %v, want false", ec.ApplicabilityConditions[1].Value)
	}

	engagement := tpl.Stages[0].TaskTemplates[1]
	if engagement.RelativeDueDays == nil || *engagement.RelativeDueDays != 5 {
		t.Errorf("RelativeDueDays = %v, want 5", engagement.RelativeDueDays)
	}
	if engagement.DueDateRelativeTo != model.AnchorMatterOpened {
		t.Errorf("DueDateRelativeTo = %q, want matter_opened", engagement.DueDateRelativeTo)
	}
	if tpl.Stages[2].CompletionCriteria != model.CriteriaAllTasks {
		t.Errorf("Stages[2].CompletionCriteria = %q, want all_tasks", tpl.Stages[2].CompletionCriteria)
	}

	if tpl.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if tpl.SourceFile != "testdata/templates/employment_dispute.yaml" {
		t.Errorf("SourceFile = %q", tpl.SourceFile)
	}
}

func TestLoader_LoadFile_inactive(t *testing.T) {
	l := NewLoader()
	tpl, err := l.LoadFile("testdata/templates/probate/estate_admin.yml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if tpl.IsActive {
		t.Error("IsActive = true, want false")
	}
	if got := tpl.Stages[0].ApplicabilityConditions[0].Value; got != float64(325000) {
		t.Errorf("estate_value = %v (%T), want float64 325000", got, got)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/invalid/bad.yaml")
	if err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_LoadAll(t *testing.T) {
	l := NewLoader()
	tpls, err := l.LoadAll([]string{"testdata/templates"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(tpls) != 2 {
		t.Fatalf("LoadAll() returned %d templates, want 2 (README skipped)", len(tpls))
	}
	keys := map[string]bool{}
	for _, tpl := range tpls {
		keys[tpl.Key] = true
	}
	if !keys["employment_dispute"] || !keys["estate_admin"] {
		t.Errorf("keys = %v, want employment_dispute and estate_admin", keys)
	}
}

func TestLoader_LoadAll_invalid_dir(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadAll([]string{"testdata/nonexistent"})
	if err == nil {
		t.Fatal("LoadAll() with missing directory should return error")
	}
}

func TestLoader_LoadAll_invalid_yaml(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadAll([]string{"testdata/invalid"})
	if err == nil {
		t.Fatal("LoadAll() with invalid YAML should return error")
	}
}

func TestLoader_Checksum_deterministic(t *testing.T) {
	l := NewLoader()
	tpl1, _ := l.LoadFile("testdata/templates/employment_dispute.yaml")
	tpl2, _ := l.LoadFile("testdata/templates/employment_dispute.yaml")
	if tpl1.Checksum != tpl2.Checksum {
		t.Error("Checksum should be deterministic")
	}
}
