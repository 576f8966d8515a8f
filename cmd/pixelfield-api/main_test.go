package main

import (
	"bytes"
	"context"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pixelfield/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/database"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/fields"
)

func TestTokenCommandMintsValidSession(t *testing.T) {
	rootCmd := newRootCommand()
	var output bytes.Buffer
	rootCmd.SetOut(&output)
	rootCmd.SetArgs([]string{"token", "--signing-secret", "cli-secret", "--user", "user-7", "--name", "Seven"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("token command failed: %v", err)
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte("cli-secret")})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	claims, err := validator.ValidateToken(strings.TrimSpace(output.String()))
	if err != nil {
		t.Fatalf("minted token rejected: %v", err)
	}
	if claims.UserID != "user-7" || claims.UserDisplayName != "Seven" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestRenderCommandRejectsMissingField(t *testing.T) {
	rootCmd := newRootCommand()
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	dir := t.TempDir()
	rootCmd.SetArgs([]string{
		"render",
		"--database-path", filepath.Join(dir, "render.db"),
		"--field-id", "missing",
		"--out", filepath.Join(dir, "out.png"),
	})
	if err := rootCmd.Execute(); err == nil {
		t.Fatalf("expected missing field to fail")
	}
}

func TestRenderCommandWritesScaledPNG(t *testing.T) {
	dir := t.TempDir()
	databasePath := filepath.Join(dir, "render.db")
	db, err := database.Open(database.Config{Path: databasePath}, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	service, err := fields.NewService(fields.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: fields.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	owner := service.As(fields.UserID("owner-1"))
	ctx := context.Background()
	field, err := owner.CreateField(ctx, fields.FieldInsert{Name: "tiny", Width: 2, Height: 2, BackgroundColor: "#ffffff"})
	if err != nil {
		t.Fatalf("failed to create field: %v", err)
	}
	if _, err := owner.InsertEmitter(ctx, fields.EmitterInsert{FieldID: field.ID, X: 1, Y: 0, Color: "#ff0000"}); err != nil {
		t.Fatalf("failed to insert emitter: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	_ = sqlDB.Close()

	output := filepath.Join(dir, "out.png")
	rootCmd := newRootCommand()
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{
		"render",
		"--database-path", databasePath,
		"--field-id", field.ID,
		"--out", output,
		"--scale", "2",
		"--as", "owner-1",
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("render command failed: %v", err)
	}

	file, err := os.Open(output)
	if err != nil {
		t.Fatalf("failed to open output: %v", err)
	}
	defer file.Close()
	decoded, err := png.Decode(file)
	if err != nil {
		t.Fatalf("failed to decode output: %v", err)
	}
	if bounds := decoded.Bounds(); bounds.Dx() != 4 || bounds.Dy() != 4 {
		t.Fatalf("unexpected bounds %v", bounds)
	}
	r, g, b, _ := decoded.At(3, 1).RGBA()
	if r>>8 != 0xff || g != 0 || b != 0 {
		t.Fatalf("expected red emitter pixel, got %d %d %d", r>>8, g>>8, b>>8)
	}
	r, g, b, _ = decoded.At(0, 0).RGBA()
	if r>>8 != 0xff || g>>8 != 0xff || b>>8 != 0xff {
		t.Fatalf("expected white background, got %d %d %d", r>>8, g>>8, b>>8)
	}
}
