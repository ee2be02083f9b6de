package storage

import (
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/aws/smithy-go"
	"github.com/tencentyun/cos-go-sdk-v5"
)

// ErrEmptyPayload 表示写入的数据为空
var ErrEmptyPayload = errors.New("empty payload")

var permanentCodes = map[string]struct{}{
	"accessdenied":          {},
	"invalidaccesskeyid":    {},
	"signaturedoesnotmatch": {},
	"nosuchbucket":          {},
	"invalidbucketname":     {},
	"allaccessdisabled":     {},
	"accountproblem":        {},
}

// IsPermanent 判断写入失败是否由配置问题导致，重试不会成功
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrEmptyPayload) || errors.Is(err, os.ErrPermission) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return isPermanentCode(apiErr.ErrorCode())
	}

	var ossErr oss.ServiceError
	if errors.As(err, &ossErr) {
		return isPermanentCode(ossErr.Code) || ossErr.StatusCode == http.StatusForbidden
	}

	var cosErr *cos.ErrorResponse
	if errors.As(err, &cosErr) {
		if isPermanentCode(cosErr.Code) {
			return true
		}
		return cosErr.Response != nil && cosErr.Response.StatusCode == http.StatusForbidden
	}
	return false
}

func isPermanentCode(code string) bool {
	_, ok := permanentCodes[strings.ToLower(strings.TrimSpace(code))]
	return ok
}
