package server

import (
	"fmt"
	"net/http"

	"github.com/MarcoPoloResearchLab/vault/internal/export"
	"github.com/MarcoPoloResearchLab/vault/internal/items"
	"github.com/MarcoPoloResearchLab/vault/internal/moderation"
	"github.com/MarcoPoloResearchLab/vault/internal/spaces"
	"github.com/MarcoPoloResearchLab/vault/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type createItemRequest struct {
	SpaceID string `json:"spaceId" validate:"required,uuid"`
	Reason  string `json:"reason" validate:"max=1000"`
}

type updateItemRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

type revertRequest struct {
	RevisionID string `json:"revisionId" validate:"required,uuid"`
}

type revertResponse struct {
	Item     items.Item     `json:"item"`
	Revision items.Revision `json:"revision"`
}

type reviewRequest struct {
	Note string `json:"note" validate:"max=1000"`
}

type approvalResponse struct {
	EditRequest moderation.EditRequest `json:"editRequest"`
	Item        items.Item             `json:"item"`
}

func (h *httpHandler) handleListSpaces(c *gin.Context, actor users.Actor) error {
	accessible, err := h.spaces.Accessible(c.Request.Context(), actor)
	if err != nil {
		return err
	}
	respondOK(c, http.StatusOK, accessible, "")
	return nil
}

func (h *httpHandler) handleCreateSpace(c *gin.Context, actor users.Actor) error {
	var input spaces.CreateInput
	if err := h.bindJSON(c, &input); err != nil {
		return err
	}
	space, err := h.spaces.Create(c.Request.Context(), actor, input)
	if err != nil {
		return err
	}
	respondOK(c, http.StatusCreated, space, "Space created")
	return nil
}

func (h *httpHandler) handleListCategories(c *gin.Context, actor users.Actor) error {
	spaceID, err := pathID(c, "Space")
	if err != nil {
		return err
	}
	categories, err := h.spaces.Categories(c.Request.Context(), actor, spaceID)
	if err != nil {
		return err
	}
	respondOK(c, http.StatusOK, categories, "")
	return nil
}

func (h *httpHandler) handleCreateCategory(c *gin.Context, actor users.Actor) error {
	var input spaces.CategoryInput
	if err := h.bindJSON(c, &input); err != nil {
		return err
	}
	category, err := h.spaces.CreateCategory(c.Request.Context(), actor, input)
	if err != nil {
		return err
	}
	respondOK(c, http.StatusCreated, category, "Category created")
	return nil
}

func (h *httpHandler) handleListItems(c *gin.Context, actor users.Actor) error {
	var filter items.ListFilter
	if err := h.bindQuery(c, &filter); err != nil {
		return err
	}
	result, err := h.items.List(c.Request.Context(), actor, filter)
	if err != nil {
		return err
	}
	respondPage(c, result.Items, result.Page)
	return nil
}

func (h *httpHandler) handleSearch(c *gin.Context, actor users.Actor) error {
	var params items.SearchParams
	if err := h.bindQuery(c, &params); err != nil {
		return err
	}
	result, err := h.items.Search(c.Request.Context(), actor, params)
	if err != nil {
		return err
	}
	respondPage(c, result.Items, result.Page)
	return nil
}

func (h *httpHandler) handleCreateItem(c *gin.Context, actor users.Actor) error {
	var request createItemRequest
	var fields items.Fields
	if err := h.bindJSON(c, &request, &fields); err != nil {
		return err
	}
	outcome, err := h.moderation.CreateItem(c.Request.Context(), actor, request.SpaceID, fields, request.Reason)
	if err != nil {
		return err
	}
	respondOutcome(c, outcome, http.StatusCreated, "Item created")
	return nil
}

func (h *httpHandler) handleSnapshot(c *gin.Context, actor users.Actor) error {
	var input moderation.SnapshotInput
	if err := h.bindJSON(c, &input); err != nil {
		return err
	}
	outcome, err := h.moderation.Capture(c.Request.Context(), actor, input)
	if err != nil {
		return err
	}
	respondOutcome(c, outcome, http.StatusCreated, "Snapshot saved")
	return nil
}

func (h *httpHandler) handleGetItem(c *gin.Context, actor users.Actor) error {
	itemID, err := pathID(c, "Item")
	if err != nil {
		return err
	}
	item, err := h.items.Get(c.Request.Context(), actor, itemID)
	if err != nil {
		return err
	}
	respondOK(c, http.StatusOK, item, "")
	return nil
}

func (h *httpHandler) handleUpdateItem(c *gin.Context, actor users.Actor) error {
	itemID, err := pathID(c, "Item")
	if err != nil {
		return err
	}
	var request updateItemRequest
	var patch items.Patch
	if err := h.bindJSON(c, &request, &patch); err != nil {
		return err
	}
	outcome, err := h.moderation.UpdateItem(c.Request.Context(), actor, itemID, patch, request.Reason)
	if err != nil {
		return err
	}
	respondOutcome(c, outcome, http.StatusOK, "Item updated")
	return nil
}

// handleDeleteItem soft-deletes the item and then removes its attachments.
func (h *httpHandler) handleDeleteItem(c *gin.Context, actor users.Actor) error {
	itemID, err := pathID(c, "Item")
	if err != nil {
		return err
	}
	item, err := h.items.Delete(c.Request.Context(), actor, itemID)
	if err != nil {
		return err
	}
	if err := h.files.DeleteForItem(c.Request.Context(), item.ID); err != nil {
		h.logger.Warn("attachment cleanup failed",
			zap.String("item_id", item.ID),
			zap.String("request_id", requestIDFrom(c)),
			zap.Error(err))
	}
	h.realtime.Notify(actor.ID, moderation.Event{
		Type:      moderation.EventItemChanged,
		ItemID:    item.ID,
		SpaceID:   item.SpaceID,
		ActorID:   actor.ID,
		Timestamp: h.now().UTC(),
	})
	respondOK(c, http.StatusOK, item, "Item deleted")
	return nil
}

func (h *httpHandler) handleListRevisions(c *gin.Context, actor users.Actor) error {
	itemID, err := pathID(c, "Item")
	if err != nil {
		return err
	}
	revisions, err := h.items.ListRevisions(c.Request.Context(), actor, itemID)
	if err != nil {
		return err
	}
	respondOK(c, http.StatusOK, revisions, "")
	return nil
}

func (h *httpHandler) handleRevert(c *gin.Context, actor users.Actor) error {
	itemID, err := pathID(c, "Item")
	if err != nil {
		return err
	}
	var request revertRequest
	if err := h.bindJSON(c, &request); err != nil {
		return err
	}
	item, revision, err := h.items.Revert(c.Request.Context(), actor, itemID, request.RevisionID)
	if err != nil {
		return err
	}
	respondOK(c, http.StatusOK, revertResponse{Item: item, Revision: revision}, "Item reverted")
	return nil
}

func (h *httpHandler) handleExport(c *gin.Context, actor users.Actor) error {
	var request export.Request
	if err := h.bindJSON(c, &request); err != nil {
		return err
	}
	document, err := h.export.Export(c.Request.Context(), actor, request)
	if err != nil {
		return err
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", document.Filename))
	c.Data(http.StatusOK, document.ContentType, document.Body)
	return nil
}

func (h *httpHandler) handleMyEditRequests(c *gin.Context, actor users.Actor) error {
	var filter moderation.ListFilter
	if err := h.bindQuery(c, &filter); err != nil {
		return err
	}
	requests, page, err := h.moderation.ListMine(c.Request.Context(), actor, filter)
	if err != nil {
		return err
	}
	respondPage(c, requests, page)
	return nil
}

func (h *httpHandler) handleListEditRequests(c *gin.Context, actor users.Actor) error {
	var filter moderation.ListFilter
	if err := h.bindQuery(c, &filter); err != nil {
		return err
	}
	requests, page, err := h.moderation.List(c.Request.Context(), actor, filter)
	if err != nil {
		return err
	}
	respondPage(c, requests, page)
	return nil
}

func (h *httpHandler) handleApproveEditRequest(c *gin.Context, actor users.Actor) error {
	requestID, err := pathID(c, "Edit request")
	if err != nil {
		return err
	}
	var review reviewRequest
	if err := h.bindJSON(c, &review); err != nil {
		return err
	}
	request, item, err := h.moderation.Approve(c.Request.Context(), actor, requestID, review.Note)
	if err != nil {
		return err
	}
	respondOK(c, http.StatusOK, approvalResponse{EditRequest: request, Item: item}, "Edit request approved")
	return nil
}

func (h *httpHandler) handleRejectEditRequest(c *gin.Context, actor users.Actor) error {
	requestID, err := pathID(c, "Edit request")
	if err != nil {
		return err
	}
	var review reviewRequest
	if err := h.bindJSON(c, &review); err != nil {
		return err
	}
	request, err := h.moderation.Reject(c.Request.Context(), actor, requestID, review.Note)
	if err != nil {
		return err
	}
	respondOK(c, http.StatusOK, request, "Edit request rejected")
	return nil
}

// respondOutcome answers directStatus for direct writes and 202 for writes queued for review.
func respondOutcome(c *gin.Context, outcome moderation.Outcome, directStatus int, directMessage string) {
	if outcome.Moderated() {
		respondOK(c, http.StatusAccepted, outcome, "Submitted for review")
		return
	}
	respondOK(c, directStatus, outcome, directMessage)
}
