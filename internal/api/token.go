package api

import (
	"context"
	"errors"

	"github.com/torpay/anon-ticket/internal/domain"
	"github.com/torpay/anon-ticket/internal/storage"
)

var errBadToken = errors.New("api: malformed token")

func lookupToken(ctx context.Context, tokens storage.TokenStore, tokenHex string) (domain.ServiceTokenRecord, error) {
	token, err := domain.ParseServiceToken(tokenHex)
	if err != nil {
		return domain.ServiceTokenRecord{}, errBadToken
	}
	return tokens.GetToken(ctx, token)
}
