package stackinfer

import (
	"context"
	"fmt"

	"github.com/swarmforge/orchestrator/pkg/models"
)

// SeedStore is the subset of pkg/store the seeding routine writes
// through; a narrower slice of TemplateStore so seeding doesn't need a
// read-capable store to run against a brand-new database.
type SeedStore interface {
	UpsertStackTemplate(ctx context.Context, tmpl models.StackTemplate) (models.StackTemplate, error)
}

// DefaultTemplates is the built-in stack-template corpus the Stack
// Inferencer's nearest-neighbor lookup runs against until an operator
// adds their own via UpsertStackTemplate. Each description is written
// the way a project goal would read, since that's the text its
// embedding is compared against at inference time.
var DefaultTemplates = []models.StackTemplate{
	{
		ID:          "tmpl-nextjs-fullstack",
		Title:       "Next.js full-stack SaaS",
		Backend:     "Next.js API routes",
		Frontend:    "Next.js",
		Database:    "PostgreSQL",
		Description: "A full-stack web application with server-rendered pages, API routes, user accounts, and a relational database — the default shape for a todo list, dashboard, or CRUD-heavy SaaS product.",
	},
	{
		ID:          "tmpl-fastapi-react",
		Title:       "FastAPI + React",
		Backend:     "FastAPI",
		Frontend:    "React",
		Database:    "PostgreSQL",
		Description: "A decoupled single-page application: a Python FastAPI backend exposing a REST API, a React frontend consuming it, and a relational database for persistence.",
	},
	{
		ID:          "tmpl-express-vue",
		Title:       "Express + Vue",
		Backend:     "Express",
		Frontend:    "Vue",
		Database:    "MongoDB",
		Description: "A Node.js Express backend with a Vue single-page frontend, backed by a document database — common for content-driven sites and lightweight internal tools.",
	},
	{
		ID:          "tmpl-django-htmx",
		Title:       "Django server-rendered",
		Backend:     "Django",
		Frontend:    "HTMX",
		Database:    "PostgreSQL",
		Description: "A server-rendered monolith: Django views and templates progressively enhanced with HTMX, no separate frontend build, backed by PostgreSQL.",
	},
	{
		ID:          "tmpl-stripe-saas",
		Title:       "Subscription SaaS platform",
		Backend:     "Next.js API routes",
		Frontend:    "Next.js",
		Database:    "PostgreSQL",
		Description: "A multi-tenant subscription SaaS platform with billing, usage metering, an admin dashboard, webhooks to third-party payment and analytics integrations, and role-based access control.",
	},
	{
		ID:          "tmpl-mobile-backend",
		Title:       "Mobile app backend",
		Backend:     "NestJS",
		Frontend:    "React Native",
		Database:    "PostgreSQL",
		Description: "A mobile application with a React Native client and a NestJS REST/GraphQL backend, push notifications, and a relational database for user and session state.",
	},
	{
		ID:          "tmpl-static-landing",
		Title:       "Static marketing site",
		Backend:     "none",
		Frontend:    "Astro",
		Database:    "none",
		Description: "A static marketing or landing page with no backend, built as prerendered HTML with minimal client-side JavaScript and no database.",
	},
}

// Seed upserts DefaultTemplates into store, computing each one's
// embedding from its Description via embed. Intended to run once at
// process startup (idempotent — re-running just recomputes and
// overwrites the same rows by id) so a fresh database has a usable
// nearest-neighbor corpus before the first /orchestrator/process call.
func Seed(ctx context.Context, store SeedStore, embed func(ctx context.Context, text string) ([]float32, error)) error {
	for _, tmpl := range DefaultTemplates {
		vec, err := embed(ctx, tmpl.Description)
		if err != nil {
			return fmt.Errorf("stackinfer: seed %q: embed description: %w", tmpl.ID, err)
		}
		tmpl.Embedding = vec
		if _, err := store.UpsertStackTemplate(ctx, tmpl); err != nil {
			return fmt.Errorf("stackinfer: seed %q: %w", tmpl.ID, err)
		}
	}
	return nil
}
