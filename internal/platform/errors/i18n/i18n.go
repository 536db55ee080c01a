// Package i18n renders user-facing messages for party error codes.
package i18n

import (
	"errors"
	"strconv"
	"strings"

	apperrors "github.com/treasureparty/partysync/internal/platform/errors"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var traditionalChinese = language.MustParse("zh-TW")

var supportedTags = []language.Tag{
	language.English,
	traditionalChinese,
}

var tagMatcher = language.NewMatcher(supportedTags)

func init() {
	register(language.English, map[apperrors.Code]string{
		apperrors.CodeInvalidCodeFormat:       "Party codes are 8 characters (letters and digits 2-9).",
		apperrors.CodeNicknameEmpty:           "Nickname cannot be empty.",
		apperrors.CodeEntryIDEmpty:            "A route entry must be selected.",
		apperrors.CodePartyNotFound:           "No party uses this code. Check the code and try again.",
		apperrors.CodeEntryNotFound:           "That treasure is no longer on the route.",
		apperrors.CodePartyFull:               "The party is full (%d/%d).",
		apperrors.CodeNotInParty:              "You are not in a party.",
		apperrors.CodeCodeGenerationExhausted: "Could not allocate a party code. Please try again later.",
		apperrors.CodePartyExpired:            "This party has expired.",
		apperrors.CodeStoreUnavailable:        "The party server is unreachable.",
		apperrors.CodeUnknown:                 "Something went wrong.",
	})
	register(traditionalChinese, map[apperrors.Code]string{
		apperrors.CodeInvalidCodeFormat:       "隊伍代碼格式不正確",
		apperrors.CodeNicknameEmpty:           "暱稱不可為空",
		apperrors.CodeEntryIDEmpty:            "請選擇藏寶圖",
		apperrors.CodePartyNotFound:           "找不到此隊伍，請確認代碼是否正確",
		apperrors.CodeEntryNotFound:           "此藏寶圖已不在路線中",
		apperrors.CodePartyFull:               "隊伍已滿 (%d/%d)",
		apperrors.CodeNotInParty:              "尚未加入隊伍",
		apperrors.CodeCodeGenerationExhausted: "無法生成唯一的隊伍代碼，請稍後再試",
		apperrors.CodePartyExpired:            "此隊伍已過期",
		apperrors.CodeStoreUnavailable:        "無法連線至隊伍伺服器",
		apperrors.CodeUnknown:                 "發生未知錯誤",
	})
}

func register(tag language.Tag, messages map[apperrors.Code]string) {
	for code, text := range messages {
		_ = message.SetString(tag, string(code), text)
	}
}

// Default returns the default language tag.
func Default() language.Tag {
	return language.English
}

// Supported returns the list of supported language tags.
func Supported() []language.Tag {
	tags := make([]language.Tag, len(supportedTags))
	copy(tags, supportedTags)
	return tags
}

// ResolveTag picks the best supported tag for a locale string such as
// "zh_TW.UTF-8" or "en-US". Unknown values resolve to the default.
func ResolveTag(locale string) language.Tag {
	locale = strings.TrimSpace(locale)
	if i := strings.IndexByte(locale, '.'); i >= 0 {
		locale = locale[:i]
	}
	locale = strings.ReplaceAll(locale, "_", "-")
	if locale == "" || locale == "C" || locale == "POSIX" {
		return Default()
	}
	parsed, err := language.Parse(locale)
	if err != nil {
		return Default()
	}
	_, index, confidence := tagMatcher.Match(parsed)
	if confidence == language.No {
		return Default()
	}
	return supportedTags[index]
}

// Message renders a user-facing message for err in the given language.
func Message(tag language.Tag, err error) string {
	if err == nil {
		return ""
	}
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		return message.NewPrinter(tag).Sprintf(string(apperrors.CodeUnknown))
	}
	printer := message.NewPrinter(tag)
	switch appErr.Code {
	case apperrors.CodePartyFull:
		count := metadataInt(appErr.Metadata, "Count")
		max := metadataInt(appErr.Metadata, "Max")
		return printer.Sprintf(string(appErr.Code), count, max)
	default:
		return printer.Sprintf(string(appErr.Code))
	}
}

func metadataInt(metadata map[string]string, key string) int {
	value, err := strconv.Atoi(metadata[key])
	if err != nil {
		return 0
	}
	return value
}
