// Package export renders a user's readable items as a downloadable document.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/activity"
	"github.com/MarcoPoloResearchLab/vault/internal/apperrors"
	"github.com/MarcoPoloResearchLab/vault/internal/files"
	"github.com/MarcoPoloResearchLab/vault/internal/items"
	"github.com/MarcoPoloResearchLab/vault/internal/spaces"
	"github.com/MarcoPoloResearchLab/vault/internal/users"
	"go.uber.org/zap"
)

const (
	opServiceNew = "export.service.new"
	opRender     = "export.render"
)

var (
	errMissingItems  = errors.New("export: item service required")
	errMissingSpaces = errors.New("export: space service required")
)

// Format selects the rendering of an export.
type Format string

const (
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
	FormatMarkdown Format = "markdown"
)

var csvHeader = []string{
	"id",
	"title",
	"content",
	"url",
	"excerpt",
	"type",
	"tags",
	"space_name",
	"category_name",
	"is_favorite",
	"created_at",
	"updated_at",
}

// Request describes what to export.
type Request struct {
	Format             Format     `json:"format" validate:"omitempty,oneof=json csv markdown"`
	SpaceIDs           []string   `json:"space_ids" validate:"omitempty,max=100,dive,uuid"`
	IncludeAttachments bool       `json:"include_attachments"`
	DateFrom           *time.Time `json:"date_from"`
	DateTo             *time.Time `json:"date_to"`
}

// Document is a rendered export ready to be sent as a download.
type Document struct {
	Body        []byte
	ContentType string
	Filename    string
	ItemCount   int
}

// ServiceConfig describes the export dependencies. Files is optional; without it
// attachments are never included.
type ServiceConfig struct {
	Items    *items.Service
	Spaces   *spaces.Service
	Files    *files.Service
	Activity *activity.Recorder
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service renders exports.
type Service struct {
	items    *items.Service
	spaces   *spaces.Service
	files    *files.Service
	activity *activity.Recorder
	now      func() time.Time
	logger   *zap.Logger
}

// NewService constructs the export service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Items == nil {
		return nil, apperrors.NewServiceError(opServiceNew, "missing_items", errMissingItems)
	}
	if cfg.Spaces == nil {
		return nil, apperrors.NewServiceError(opServiceNew, "missing_spaces", errMissingSpaces)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		items:    cfg.Items,
		spaces:   cfg.Spaces,
		files:    cfg.Files,
		activity: cfg.Activity,
		now:      clock,
		logger:   logger,
	}, nil
}

type spaceRef struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Type spaces.Type `json:"type"`
}

type categoryRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Icon  string `json:"icon,omitempty"`
	Color string `json:"color,omitempty"`
}

type exportedItem struct {
	items.Item
	Space       *spaceRef          `json:"space,omitempty"`
	Category    *categoryRef       `json:"category,omitempty"`
	Attachments []files.Attachment `json:"attachments,omitempty"`
}

type exportInfo struct {
	UserID     string    `json:"user_id"`
	ExportedAt time.Time `json:"exported_at"`
	TotalItems int       `json:"total_items"`
	Format     Format    `json:"format"`
}

// Export renders every readable item matching request.
func (s *Service) Export(ctx context.Context, actor users.Actor, request Request) (Document, error) {
	format := request.Format
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatCSV && format != FormatMarkdown {
		return Document{}, apperrors.Validation("Invalid export parameters")
	}
	rows, err := s.items.ExportRows(ctx, actor, items.ExportFilter{
		SpaceIDs: request.SpaceIDs,
		DateFrom: request.DateFrom,
		DateTo:   request.DateTo,
	})
	if err != nil {
		return Document{}, err
	}
	enriched, err := s.enrich(ctx, actor, rows, request.IncludeAttachments)
	if err != nil {
		return Document{}, err
	}

	now := s.now().UTC()
	document := Document{ItemCount: len(enriched)}
	base := "vault-export-" + now.Format("2006-01-02")
	switch format {
	case FormatJSON:
		document.Body, err = renderJSON(actor, enriched, now)
		document.ContentType = "application/json"
		document.Filename = base + ".json"
	case FormatCSV:
		document.Body, err = renderCSV(enriched)
		document.ContentType = "text/csv"
		document.Filename = base + ".csv"
	case FormatMarkdown:
		document.Body = renderMarkdown(enriched, now)
		document.ContentType = "text/markdown"
		document.Filename = base + ".md"
	}
	if err != nil {
		s.logger.Error("export service failure",
			zap.String("operation", opRender),
			zap.String("format", string(format)),
			zap.Error(err))
		return Document{}, apperrors.Internal(apperrors.NewServiceError(opRender, "render_failed", err))
	}

	spaceIDs := make([]string, 0)
	seen := map[string]bool{}
	for _, row := range rows {
		if !seen[row.SpaceID] {
			seen[row.SpaceID] = true
			spaceIDs = append(spaceIDs, row.SpaceID)
		}
	}
	s.activity.Record(ctx, nil, activity.Entry{
		UserID:       actor.ID,
		Action:       activity.ActionDataExported,
		ResourceType: "vault",
		Details: map[string]any{
			"format":              format,
			"item_count":          len(enriched),
			"include_attachments": request.IncludeAttachments,
			"space_ids":           spaceIDs,
		},
	})
	return document, nil
}

func (s *Service) enrich(ctx context.Context, actor users.Actor, rows []items.Item, includeAttachments bool) ([]exportedItem, error) {
	accessible, err := s.spaces.Accessible(ctx, actor)
	if err != nil {
		return nil, err
	}
	spaceByID := make(map[string]spaces.Space, len(accessible))
	for _, space := range accessible {
		spaceByID[space.ID] = space
	}
	categoryIDs := make([]string, 0)
	itemIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		itemIDs = append(itemIDs, row.ID)
		if row.CategoryID != nil {
			categoryIDs = append(categoryIDs, *row.CategoryID)
		}
	}
	categories, err := s.spaces.CategoriesByID(ctx, categoryIDs)
	if err != nil {
		return nil, err
	}
	attachments := map[string][]files.Attachment{}
	if includeAttachments && s.files != nil {
		bound, err := s.files.ForItems(ctx, itemIDs)
		if err != nil {
			return nil, err
		}
		for _, attachment := range bound {
			attachments[*attachment.ItemID] = append(attachments[*attachment.ItemID], attachment)
		}
	}

	result := make([]exportedItem, 0, len(rows))
	for _, row := range rows {
		entry := exportedItem{Item: row, Attachments: attachments[row.ID]}
		if space, ok := spaceByID[row.SpaceID]; ok {
			entry.Space = &spaceRef{ID: space.ID, Name: space.Name, Type: space.Type}
		}
		if row.CategoryID != nil {
			if category, ok := categories[*row.CategoryID]; ok {
				entry.Category = &categoryRef{ID: category.ID, Name: category.Name, Icon: category.Icon, Color: category.Color}
			}
		}
		result = append(result, entry)
	}
	return result, nil
}

func renderJSON(actor users.Actor, rows []exportedItem, now time.Time) ([]byte, error) {
	payload := struct {
		ExportInfo exportInfo     `json:"export_info"`
		Items      []exportedItem `json:"items"`
	}{
		ExportInfo: exportInfo{UserID: actor.ID, ExportedAt: now, TotalItems: len(rows), Format: FormatJSON},
		Items:      rows,
	}
	return json.MarshalIndent(payload, "", "  ")
}

func renderCSV(rows []exportedItem) ([]byte, error) {
	var buffer bytes.Buffer
	writer := csv.NewWriter(&buffer)
	if err := writer.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, row := range rows {
		record := []string{
			row.ID,
			row.Title,
			row.Content,
			row.URL,
			row.Excerpt,
			string(row.Type),
			strings.Join(row.Tags, ", "),
			row.spaceName(),
			row.categoryName(),
			strconv.FormatBool(row.IsFavorite),
			row.CreatedAt.UTC().Format(time.RFC3339),
			row.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func renderMarkdown(rows []exportedItem, now time.Time) []byte {
	var builder strings.Builder
	builder.WriteString("# Vault Export\n\n")
	builder.WriteString("Exported on: " + now.Format("2006-01-02") + "\n")
	builder.WriteString("Total items: " + strconv.Itoa(len(rows)) + "\n\n")
	for _, row := range rows {
		builder.WriteString("## " + row.Title + "\n\n")
		builder.WriteString("**Type:** " + string(row.Type) + "\n")
		builder.WriteString("**Space:** " + row.spaceName() + "\n")
		if name := row.categoryName(); name != "" {
			builder.WriteString("**Category:** " + name + "\n")
		}
		if row.URL != "" {
			builder.WriteString("**URL:** " + row.URL + "\n")
		}
		if len(row.Tags) > 0 {
			builder.WriteString("**Tags:** " + strings.Join(row.Tags, ", ") + "\n")
		}
		builder.WriteString("**Created:** " + row.CreatedAt.UTC().Format("2006-01-02") + "\n\n")
		body := row.Content
		if body == "" {
			body = row.Excerpt
		}
		if body != "" {
			builder.WriteString(body + "\n\n")
		}
		for _, attachment := range row.Attachments {
			builder.WriteString("- [" + attachment.OriginalFilename + "](" + attachment.PublicURL + ")\n")
		}
		if len(row.Attachments) > 0 {
			builder.WriteString("\n")
		}
		builder.WriteString("---\n\n")
	}
	return []byte(builder.String())
}

func (e exportedItem) spaceName() string {
	if e.Space == nil {
		return ""
	}
	return e.Space.Name
}

func (e exportedItem) categoryName() string {
	if e.Category == nil {
		return ""
	}
	return e.Category.Name
}
