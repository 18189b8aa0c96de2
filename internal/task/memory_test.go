package task

import (
	"context"
	"testing"
)

func TestMemoryRepository_SaveAndFind(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	tk := NewWithID("t1", ProviderKling, "kling-v1-6", Options{OptTarget: "back"})
	if err := repo.Save(ctx, tk); err != nil {
		t.Fatalf("save: %v", err)
	}

	found, err := repo.FindByID(ctx, "t1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.Provider != ProviderKling {
		t.Errorf("expected provider kling, got %s", found.Provider)
	}

	// Mutating the returned clone must not affect the stored task.
	found.Status = StatusFailed
	again, _ := repo.FindByID(ctx, "t1")
	if again.Status != StatusPending {
		t.Error("repository returned aliased task")
	}
}

func TestMemoryRepository_FindByID_NotFound(t *testing.T) {
	repo := NewMemoryRepository()
	_, err := repo.FindByID(context.Background(), "missing")
	if err != ErrTaskNotFound {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestMemoryRepository_UpdateProgress(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	_ = repo.Save(ctx, NewWithID("t1", ProviderWan, "wan-2.1", nil))

	p := Progress{Step: StepAnalyzing, Message: "analyzing reference image", Percent: 5}
	if err := repo.UpdateProgress(ctx, "t1", StatusProcessing, p); err != nil {
		t.Fatalf("update progress: %v", err)
	}

	found, _ := repo.FindByID(ctx, "t1")
	if found.Status != StatusProcessing {
		t.Errorf("expected PROCESSING, got %s", found.Status)
	}
	if found.Progress.Step != StepAnalyzing || found.Progress.Percent != 5 {
		t.Errorf("progress not updated: %+v", found.Progress)
	}

	if err := repo.UpdateProgress(ctx, "nope", StatusProcessing, p); err != ErrTaskNotFound {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestMemoryRepository_UpdateResult(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	_ = repo.Save(ctx, NewWithID("t1", ProviderKling, "kling-v1-6", nil))

	res := Result{VideoURL: "https://cdn/final.mp4"}
	if err := repo.UpdateResult(ctx, "t1", StatusSuccess, res); err != nil {
		t.Fatalf("update result: %v", err)
	}

	found, _ := repo.FindByID(ctx, "t1")
	if found.Status != StatusSuccess {
		t.Errorf("expected SUCCESS, got %s", found.Status)
	}
	if found.Result.VideoURL != "https://cdn/final.mp4" {
		t.Errorf("result not updated: %+v", found.Result)
	}
	if found.CompletedAt.IsZero() {
		t.Error("expected CompletedAt on terminal update")
	}
}

func TestMemoryRepository_PatchResultURLs(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	tk := NewWithID("t1", ProviderDoubaoImage, "doubao-seedream", nil)
	tk.Result = Result{VideoURL: "local://v.mp4", Error: "", RefundEligible: false}
	_ = repo.Save(ctx, tk)
	_ = repo.UpdateResult(ctx, "t1", StatusSuccess, tk.Result)

	err := repo.PatchResultURLs(ctx, "t1", ResultURLPatch{VideoURL: "https://cdn/v.mp4"})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}

	found, _ := repo.FindByID(ctx, "t1")
	if found.Result.VideoURL != "https://cdn/v.mp4" {
		t.Errorf("url not patched: %s", found.Result.VideoURL)
	}
	// Patch must never touch status.
	if found.Status != StatusSuccess {
		t.Errorf("status changed by patch: %s", found.Status)
	}
}

func TestMemoryRepository_Delete(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	_ = repo.Save(ctx, NewWithID("t1", ProviderKling, "kling-v1-6", nil))

	if err := repo.Delete(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.Delete(ctx, "t1"); err != ErrTaskNotFound {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}
