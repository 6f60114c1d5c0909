package syncserver

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type changeWire struct {
	ItemID     string `json:"itemId"`
	Label      string `json:"label"`
	URL        string `json:"url"`
	Category   string `json:"category"`
	CreatedAt  int64  `json:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt"`
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
	Deleted    bool   `json:"deleted"`
}

type pushRequestBody struct {
	Changes []changeWire `json:"changes"`
}

type skippedChange struct {
	ItemID string `json:"itemId"`
	Reason string `json:"reason"`
}

type pushResponseBody struct {
	Applied []string        `json:"applied"`
	Skipped []skippedChange `json:"skipped"`
	Cursor  int64           `json:"cursor"`
}

// handlePush implements spec.md §4.I's push endpoint: each change is
// upserted into vault_items with a last-writer-wins WHERE clause; a
// zero-row-affected upsert is skipped as stale_or_duplicate instead of
// erroring, and every applied change appends one sync_changes row in the
// same transaction.
func (s *Server) handlePush(c *gin.Context) {
	var req pushRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	uid := userID(c)

	resp := pushResponseBody{Applied: []string{}, Skipped: []skippedChange{}}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for _, ch := range req.Changes {
			applied, err := applyChange(tx, uid, ch)
			if err != nil {
				return err
			}
			if applied {
				resp.Applied = append(resp.Applied, ch.ItemID)
			} else {
				resp.Skipped = append(resp.Skipped, skippedChange{ItemID: ch.ItemID, Reason: "stale_or_duplicate"})
			}
		}
		cursor, err := maxSeqForUser(tx, uid)
		if err != nil {
			return err
		}
		resp.Cursor = cursor
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "push failed"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// applyChange upserts one change for user, returning whether it was
// applied (vs. skipped as stale/duplicate).
func applyChange(tx *gorm.DB, userID string, ch changeWire) (bool, error) {
	item := VaultItem{
		ItemID: ch.ItemID, UserID: userID, Label: ch.Label, URL: ch.URL, Category: ch.Category,
		CreatedAt: ch.CreatedAt, UpdatedAt: ch.UpdatedAt, Deleted: ch.Deleted,
	}
	if !ch.Deleted {
		ciphertext, err := base64.StdEncoding.DecodeString(ch.Ciphertext)
		if err != nil {
			return false, nil // malformed payload: treat as a no-op skip, not a transaction abort
		}
		iv, err := base64.StdEncoding.DecodeString(ch.IV)
		if err != nil {
			return false, nil
		}
		authTag, err := base64.StdEncoding.DecodeString(ch.AuthTag)
		if err != nil {
			return false, nil
		}
		item.Ciphertext, item.IV, item.AuthTag = ciphertext, iv, authTag
	}

	var existing VaultItem
	err := tx.Where("item_id = ? AND user_id = ?", ch.ItemID, userID).First(&existing).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		if err := tx.Create(&item).Error; err != nil {
			return false, err
		}
	case err != nil:
		return false, err
	default:
		if ch.UpdatedAt <= existing.UpdatedAt {
			return false, nil
		}
		res := tx.Model(&VaultItem{}).
			Where("item_id = ? AND user_id = ? AND updated_at < ?", ch.ItemID, userID, ch.UpdatedAt).
			Updates(map[string]any{
				"label": item.Label, "url": item.URL, "category": item.Category,
				"created_at": item.CreatedAt, "updated_at": item.UpdatedAt,
				"ciphertext": item.Ciphertext, "iv": item.IV, "auth_tag": item.AuthTag,
				"deleted": item.Deleted,
			})
		if res.Error != nil {
			return false, res.Error
		}
		if res.RowsAffected == 0 {
			return false, nil
		}
	}

	if err := tx.Create(&SyncChange{UserID: userID, ItemID: ch.ItemID, UpdatedAt: ch.UpdatedAt, Deleted: ch.Deleted}).Error; err != nil {
		return false, err
	}
	return true, nil
}

func maxSeqForUser(tx *gorm.DB, userID string) (int64, error) {
	var maxSeq int64
	err := tx.Model(&SyncChange{}).Where("user_id = ?", userID).Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error
	return maxSeq, err
}

type pullResponseBody struct {
	Cursor     int64        `json:"cursor"`
	NextCursor int64        `json:"nextCursor"`
	HasMore    bool         `json:"hasMore"`
	Changes    []changeWire `json:"changes"`
}

// handlePull implements spec.md §4.I's pull endpoint: changes with
// seq > cursor, ordered ascending, joined to the current vault_items
// row, up to limit; nextCursor is the last row's seq (or cursor if the
// page is empty); hasMore is true iff the page was full.
func (s *Server) handlePull(c *gin.Context) {
	uid := userID(c)
	cursor := queryInt(c, "cursor", 0)
	limit := queryInt(c, "limit", 500)
	if limit <= 0 || limit > 2000 {
		limit = 500
	}

	var rows []struct {
		SyncChange
		Label      string
		URL        string
		Category   string
		CreatedAt  int64
		Ciphertext []byte
		IV         []byte
		AuthTag    []byte
	}
	err := s.db.Table("sync_changes").
		Select("sync_changes.*, vault_items.label, vault_items.url, vault_items.category, vault_items.created_at, vault_items.ciphertext, vault_items.iv, vault_items.auth_tag").
		Joins("LEFT JOIN vault_items ON vault_items.item_id = sync_changes.item_id AND vault_items.user_id = sync_changes.user_id").
		Where("sync_changes.user_id = ? AND sync_changes.seq > ?", uid, cursor).
		Order("sync_changes.seq ASC").
		Limit(int(limit)).
		Scan(&rows).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pull failed"})
		return
	}

	resp := pullResponseBody{Cursor: cursor, NextCursor: cursor, HasMore: len(rows) == int(limit), Changes: []changeWire{}}
	for _, r := range rows {
		resp.Changes = append(resp.Changes, changeWire{
			ItemID: r.ItemID, Label: r.Label, URL: r.URL, Category: r.Category,
			CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
			Ciphertext: base64.StdEncoding.EncodeToString(r.Ciphertext),
			IV:         base64.StdEncoding.EncodeToString(r.IV),
			AuthTag:    base64.StdEncoding.EncodeToString(r.AuthTag),
			Deleted:    r.Deleted,
		})
		resp.NextCursor = r.Seq
	}
	c.JSON(http.StatusOK, resp)
}
