package usecase

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
	"github.com/kirillkom/payslip-dispatch/internal/core/identity"
)

func identitySpans(nationalID, first, last string) []identity.Span {
	at := func(text string, x, y float64) identity.Span {
		return identity.Span{Text: text, BBox: identity.BBox{X0: x, Y0: y, X1: x + 40, Y1: y + 8}}
	}
	return []identity.Span{
		at("01.03.2025", 400, 20),
		at(nationalID, 100, 100),
		at(first, 100, 110),
		at(last, 100, 121),
	}
}

func newIngestFixture(pages [][]identity.Span, emps ...*domain.Employee) (*IngestPayrollUseCase, *payslipRepoFake, *storageFake, *encryptorFake) {
	repo := newPayslipRepoFake()
	storage := newStorageFake()
	enc := &encryptorFake{}
	uc := NewIngestPayrollUseCase(&pageReaderFake{pages: pages}, enc, storage, repo, newEmployeesFake(emps...), 2)
	return uc, repo, storage, enc
}

func TestUploadItemizesBadPageAndKeepsTheRest(t *testing.T) {
	pages := [][]identity.Span{
		identitySpans("12345678901", "ALI", "VELI"),
		{{Text: "no identity here", BBox: identity.BBox{X0: 10, Y0: 10, X1: 90, Y1: 18}}},
		identitySpans("10987654321", "AYSE", "KAYA"),
	}
	emp := &domain.Employee{ID: "emp-1", TenantID: "tenant-1", NationalID: "12345678901", FirstName: "Ali", LastName: "Veli", Email: "ali@example.com", Active: true}
	uc, repo, storage, enc := newIngestFixture(pages, emp)

	res, err := uc.Upload(context.Background(), domain.Actor{TenantID: "tenant-1", UserID: "u-1"}, "2025-03", "march.pdf", bytes.NewBufferString("%PDF-1.7"))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if res.TotalPages != 3 || res.SuccessCount != 2 || res.ErrorCount != 1 {
		t.Fatalf("unexpected counts %+v", res)
	}
	if !strings.HasPrefix(res.Errors[0], "Page 2:") {
		t.Fatalf("expected page 2 error, got %q", res.Errors[0])
	}
	if len(repo.payslips) != 2 || len(storage.files) != 2 {
		t.Fatalf("expected 2 stored payslips, got %d records and %d files", len(repo.payslips), len(storage.files))
	}

	first := res.Payslips[0]
	if first.Status != domain.StatusPending || !first.HasEmployee || first.EmployeeEmail != "ali@example.com" {
		t.Fatalf("unexpected matched summary %+v", first)
	}
	if first.NationalID != "****8901" {
		t.Fatalf("expected masked national id, got %q", first.NationalID)
	}
	second := res.Payslips[1]
	if second.Status != domain.StatusNoEmployee || second.HasEmployee || second.ExtractedName != "AYSE KAYA" {
		t.Fatalf("unexpected unmatched summary %+v", second)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected an unmatched-employee warning, got %v", res.Warnings)
	}

	for _, call := range enc.calls {
		if call.ownerPassword != call.userPassword+identity.OwnerPasswordSuffix {
			t.Fatalf("owner password must extend the user password: %+v", call)
		}
	}
	if _, ok := storage.files["tenant-1/2025-03/12345678901_ALI_VELI_01-03-2025.pdf"]; !ok {
		t.Fatalf("expected tenant/period layout, got keys %v", keys(storage.files))
	}

	stored := repo.payslips[first.ID]
	if stored.PDFPassword != "678901" {
		t.Fatalf("expected last six digits as password, got %q", stored.PDFPassword)
	}
	if len(stored.TrackingID) < 32 {
		t.Fatalf("expected a long tracking id, got %q", stored.TrackingID)
	}
}

func TestUploadRejectsBadInputBeforeReading(t *testing.T) {
	uc, _, _, _ := newIngestFixture(nil)
	actor := domain.Actor{TenantID: "tenant-1"}

	cases := []struct {
		name     string
		period   string
		filename string
	}{
		{name: "not a pdf", period: "2025-03", filename: "march.xlsx"},
		{name: "bad month", period: "2025-13", filename: "march.pdf"},
		{name: "bad shape", period: "03-2025", filename: "march.pdf"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := uc.Upload(context.Background(), actor, tc.period, tc.filename, bytes.NewBufferString("%PDF"))
			if !domain.IsKind(err, domain.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestUploadItemizesEncryptionAndStorageFailures(t *testing.T) {
	pages := [][]identity.Span{identitySpans("12345678901", "ALI", "VELI")}

	uc, _, _, enc := newIngestFixture(pages)
	enc.err = errBoom
	res, err := uc.Upload(context.Background(), domain.Actor{TenantID: "t"}, "2025-03", "a.pdf", bytes.NewBufferString("%PDF"))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if res.ErrorCount != 1 || !strings.Contains(res.Errors[0], "create pdf") {
		t.Fatalf("expected itemized encryption error, got %+v", res)
	}

	uc, _, storage, _ := newIngestFixture(pages)
	storage.saveErr = errBoom
	res, err = uc.Upload(context.Background(), domain.Actor{TenantID: "t"}, "2025-03", "a.pdf", bytes.NewBufferString("%PDF"))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if res.ErrorCount != 1 || !strings.Contains(res.Errors[0], "store pdf") {
		t.Fatalf("expected itemized storage error, got %+v", res)
	}
}

func TestUploadRemovesArtifactWhenRecordIsNotSaved(t *testing.T) {
	pages := [][]identity.Span{identitySpans("12345678901", "ALI", "VELI")}
	uc, repo, storage, enc := newIngestFixture(pages)
	repo.createErr = errBoom

	res, err := uc.Upload(context.Background(), domain.Actor{TenantID: "t"}, "2025-03", "a.pdf", bytes.NewBufferString("%PDF"))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if res.ErrorCount != 1 || !strings.Contains(res.Errors[0], "save record") {
		t.Fatalf("expected itemized record error, got %+v", res)
	}
	if len(enc.calls) != 1 {
		t.Fatalf("expected the page to be encrypted and stored first, got %d calls", len(enc.calls))
	}
	if len(storage.files) != 0 {
		t.Fatalf("orphaned artifacts left behind: %v", keys(storage.files))
	}
}

func TestUploadPropagatesUnreadableDocument(t *testing.T) {
	repo := newPayslipRepoFake()
	reader := &pageReaderFake{err: domain.WrapError(domain.ErrInvalidInput, "open pdf", errors.New("bad header"))}
	uc := NewIngestPayrollUseCase(reader, &encryptorFake{}, newStorageFake(), repo, newEmployeesFake(), 1)

	_, err := uc.Upload(context.Background(), domain.Actor{TenantID: "t"}, "2025-03", "a.pdf", bytes.NewBufferString("junk"))
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestArtifactKeyStripsTraversal(t *testing.T) {
	got := artifactKey("../tenant", "2025-03", "../../etc/passwd")
	if strings.Contains(got, "..") {
		t.Fatalf("artifact key must not contain traversal, got %q", got)
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
