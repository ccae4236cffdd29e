package hub

import (
	"errors"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/pagecraft/blockedit/edit"
)

// Auth gates the websocket endpoint with an HS256 session token carrying
// the client id claim. An empty secret disables the gate.
type Auth struct {
	secret []byte
}

func NewAuth(secret string) *Auth {
	if secret == "" {
		return &Auth{}
	}
	return &Auth{
		secret: []byte(secret),
	}
}

func (self *Auth) Enabled() bool {
	return self.secret != nil
}

func (self *Auth) Sign(clientId edit.Id) (string, error) {
	if !self.Enabled() {
		return "", errors.New("auth disabled")
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"client_id": clientId.String(),
	})
	return token.SignedString(self.secret)
}

func (self *Auth) Verify(tokenStr string) (edit.Id, error) {
	if !self.Enabled() {
		return edit.Id{}, errors.New("auth disabled")
	}

	token, err := gojwt.Parse(tokenStr, func(token *gojwt.Token) (any, error) {
		if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", token.Header["alg"])
		}
		return self.secret, nil
	})
	if err != nil {
		return edit.Id{}, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return edit.Id{}, errors.New("missing claims")
	}
	clientIdStr, ok := claims["client_id"].(string)
	if !ok {
		return edit.Id{}, errors.New("missing client_id claim")
	}
	return edit.ParseId(clientIdStr)
}
