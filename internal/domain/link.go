package domain

import (
	"crypto/sha256"
	"encoding/base64"
)

// Link: наблюдаемая кросс-доменная ссылка со страницы urlSource на ресурс urlTarget.
type Link struct {
	ID           string `json:"id"`
	OriginSource string `json:"originSource"`
	OriginTarget string `json:"originTarget"`
	URLSource    string `json:"urlSource"`
	URLTarget    string `json:"urlTarget"`
	FromClient   bool   `json:"fromClient"`
}

// NewLink собирает Link с детерминированным ID. Origin-поля вычисляются из URL.
func NewLink(urlSource, urlTarget string, fromClient bool) Link {
	return Link{
		ID:           LinkID(urlSource, urlTarget),
		OriginSource: Hostname(urlSource),
		OriginTarget: Hostname(urlTarget),
		URLSource:    urlSource,
		URLTarget:    urlTarget,
		FromClient:   fromClient,
	}
}

// HashID: sha256 в base64, общий для всех детерминированных идентификаторов.
func HashID(s string) string {
	sum := sha256.Sum256([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func PolicyID(name string) string { return HashID(name) }

func LinkID(urlSource, urlTarget string) string { return HashID(urlSource + " " + urlTarget) }

func StateID(policyID, linkID string) string { return HashID(policyID + " " + linkID) }
