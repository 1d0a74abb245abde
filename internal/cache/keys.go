package cache

import "fmt"

func RateLimitKey(client string) string {
	return fmt.Sprintf("errlog:ratelimit:%s", client)
}
