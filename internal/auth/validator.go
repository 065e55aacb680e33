package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenValidator 校验平台身份服务签发的访问令牌。
// 令牌的签发（登录、刷新）由外部身份服务完成，这里只持有公钥做验证，
// 并从 claims 中解析出调用方所属的租户。
type TokenValidator struct {
	publicKey *rsa.PublicKey
}

// TokenClaims 表示 JWT 中的业务字段，便于中间件读取租户信息。
type TokenClaims struct {
	UserID    uint   `json:"user_id"`
	CompanyID uint   `json:"company_id"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// NewTokenValidator 解析 PEM 公钥并构造验证器。
func NewTokenValidator(publicKeyPEM []byte) (*TokenValidator, error) {
	if len(publicKeyPEM) == 0 {
		return nil, errors.New("public key pem is required")
	}

	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse rsa public key: %w", err)
	}

	return &TokenValidator{publicKey: publicKey}, nil
}

// ValidateToken 解析并验证 JWT，要求租户字段存在。
func (v *TokenValidator) ValidateToken(tokenString string) (*TokenClaims, error) {
	if tokenString == "" {
		return nil, errors.New("token string is empty")
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return v.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.CompanyID == 0 {
		return nil, errors.New("token missing company scope")
	}

	return claims, nil
}
