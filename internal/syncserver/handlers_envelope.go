package syncserver

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type envelopeWire struct {
	KeyVersion int    `json:"keyVersion"`
	KDF        string `json:"kdf"`
	KDFParams  struct {
		N     int `json:"N"`
		R     int `json:"r"`
		P     int `json:"p"`
		DKLen int `json:"dkLen"`
	} `json:"kdfParams"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	AuthTag    string `json:"authTag"`
}

type envelopeResponseBody struct {
	Envelope *envelopeWire `json:"envelope"`
}

// handleGetEnvelope returns the account's stored root-key envelope, or
// {"envelope": null} if none has been uploaded yet.
func (s *Server) handleGetEnvelope(c *gin.Context) {
	var row KeyEnvelope
	err := s.db.Where("user_id = ?", userID(c)).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		c.JSON(http.StatusOK, envelopeResponseBody{Envelope: nil})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load envelope"})
		return
	}
	c.JSON(http.StatusOK, envelopeResponseBody{Envelope: toEnvelopeWire(row)})
}

// handlePutEnvelope replaces the single envelope row for this account.
func (s *Server) handlePutEnvelope(c *gin.Context) {
	var wire envelopeWire
	if err := c.ShouldBindJSON(&wire); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	salt, err1 := base64.StdEncoding.DecodeString(wire.Salt)
	nonce, err2 := base64.StdEncoding.DecodeString(wire.Nonce)
	ciphertext, err3 := base64.StdEncoding.DecodeString(wire.Ciphertext)
	authTag, err4 := base64.StdEncoding.DecodeString(wire.AuthTag)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "envelope fields must be valid base64"})
		return
	}
	if len(nonce) != 12 || len(authTag) != 16 || len(salt) < 16 || len(ciphertext) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "envelope field lengths are invalid"})
		return
	}

	row := KeyEnvelope{
		UserID: userID(c), KeyVersion: wire.KeyVersion, KDF: wire.KDF,
		ParamsN: wire.KDFParams.N, ParamsR: wire.KDFParams.R, ParamsP: wire.KDFParams.P, ParamsDK: wire.KDFParams.DKLen,
		Salt: salt, Nonce: nonce, Ciphertext: ciphertext, AuthTag: authTag,
	}
	if err := s.db.Save(&row).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store envelope"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func toEnvelopeWire(row KeyEnvelope) *envelopeWire {
	w := &envelopeWire{
		KeyVersion: row.KeyVersion,
		KDF:        row.KDF,
		Salt:       base64.StdEncoding.EncodeToString(row.Salt),
		Nonce:      base64.StdEncoding.EncodeToString(row.Nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(row.Ciphertext),
		AuthTag:    base64.StdEncoding.EncodeToString(row.AuthTag),
	}
	w.KDFParams.N = row.ParamsN
	w.KDFParams.R = row.ParamsR
	w.KDFParams.P = row.ParamsP
	w.KDFParams.DKLen = row.ParamsDK
	return w
}
