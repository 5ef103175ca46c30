package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"

	"fertyflow.org/internal/auth"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	_ = godotenv.Load()
	switch os.Args[1] {
	case "hash":
		runHash(os.Args[2:])
	case "inspect":
		runInspect(os.Args[2:])
	default:
		usage()
	}
}

// runHash prints a bcrypt hash suitable for users.password_hash.
func runHash(args []string) {
	fs := flag.NewFlagSet("hash", flag.ExitOnError)
	cost := fs.Int("cost", auth.DefaultBcryptCost, "bcrypt cost")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		usage()
	}
	hasher, err := auth.NewHasher(*cost)
	if err != nil {
		fail(err)
	}
	hash, err := hasher.Hash(fs.Arg(0))
	if err != nil {
		fail(err)
	}
	fmt.Println(hash)
}

// runInspect verifies a token against JWT_SECRET (or JWT_REFRESH_SECRET with
// -refresh) and prints its claims. With -unverified the signature is ignored.
func runInspect(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	refresh := fs.Bool("refresh", false, "treat the token as a refresh token")
	unverified := fs.Bool("unverified", false, "decode without checking signature or expiry")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		usage()
	}
	token := fs.Arg(0)

	var claims *auth.Claims
	if *unverified {
		claims = &auth.Claims{}
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			fail(err)
		}
	} else {
		tokens, err := auth.NewTokenService(os.Getenv("JWT_SECRET"), os.Getenv("JWT_REFRESH_SECRET"))
		if err != nil {
			fail(err)
		}
		if *refresh {
			claims, err = tokens.VerifyRefreshToken(token)
		} else {
			claims, err = tokens.VerifyAccessToken(token)
		}
		if err != nil {
			fail(err)
		}
	}

	out := map[string]any{
		"userId":    claims.UserID,
		"username":  claims.Username,
		"roles":     claims.Roles,
		"companies": claims.Companies,
		"clinics":   claims.Clinics,
		"jti":       claims.ID,
	}
	if claims.IssuedAt != nil {
		out["issuedAt"] = claims.IssuedAt.UTC().Format(time.RFC3339)
	}
	if claims.ExpiresAt != nil {
		out["expiresAt"] = claims.ExpiresAt.UTC().Format(time.RFC3339)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n  %[1]s hash [-cost N] <password>\n  %[1]s inspect [-refresh] [-unverified] <token>\n", os.Args[0])
	os.Exit(1)
}
