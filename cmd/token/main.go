package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	jwtpkg "oso/backend/internal/auth/jwt"
)

// main 为摄入客户端或运维工具签发访问令牌。
func main() {
	secret := flag.String("secret", os.Getenv("OSO_JWT_SECRET"), "JWT 签名密钥")
	issuer := flag.String("issuer", "oso", "JWT 签发者标识")
	clientID := flag.String("client", "", "客户端标识")
	scope := flag.String("scope", jwtpkg.ScopeIngest, "权限范围: ingest 或 observe")
	expiry := flag.Duration("expiry", 30*24*time.Hour, "令牌有效期")
	flag.Parse()

	if *secret == "" || *clientID == "" {
		fmt.Println("用法:")
		fmt.Println("  go run cmd/token/main.go -client=reddit-bridge -scope=ingest")
		fmt.Println("  密钥通过 -secret 或 OSO_JWT_SECRET 环境变量提供")
		os.Exit(1)
	}
	if *scope != jwtpkg.ScopeIngest && *scope != jwtpkg.ScopeObserve {
		fmt.Printf("错误: 未知的权限范围 '%s'\n", *scope)
		os.Exit(1)
	}

	manager := jwtpkg.NewManager(*secret, *issuer, *expiry)
	token, err := manager.GenerateToken(*clientID, *scope)
	if err != nil {
		fmt.Printf("错误: 签发令牌失败: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
