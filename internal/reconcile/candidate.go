package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"talentgate/internal/database"
)

// identity 返回回调中的候选人身份；结构化字段优先，
// 缺失时退回到从原始解析 JSON 里提取。
func (cb Callback) identity() CandidateInfo {
	if cb.CandidateInfo != nil {
		info := *cb.CandidateInfo
		if info.Email != "" || (info.FullName != "" && info.Phone != "") {
			return normalizeIdentity(info)
		}
	}
	return normalizeIdentity(identityFromRaw(cb.RawJSON))
}

func normalizeIdentity(info CandidateInfo) CandidateInfo {
	info.Email = strings.ToLower(strings.TrimSpace(info.Email))
	info.FullName = strings.TrimSpace(info.FullName)
	info.Phone = strings.TrimSpace(info.Phone)
	return info
}

// identityFromRaw 在 worker 的原始 JSON 里按常见路径找身份字段。
// 不同 worker 版本的字段层级不完全一致，逐个路径探测。
func identityFromRaw(raw []byte) CandidateInfo {
	if len(raw) == 0 {
		return CandidateInfo{}
	}
	parsed := gjson.ParseBytes(raw)

	pick := func(paths ...string) string {
		for _, p := range paths {
			if v := parsed.Get(p); v.Exists() && strings.TrimSpace(v.String()) != "" {
				return strings.TrimSpace(v.String())
			}
		}
		return ""
	}

	return CandidateInfo{
		Email:    pick("candidate.email", "email", "contact.email", "basic_info.email"),
		FullName: pick("candidate.name", "full_name", "name", "basic_info.name"),
		Phone:    pick("candidate.phone", "phone", "phone_number", "contact.phone", "basic_info.phone"),
	}
}

// resolveCandidate 在租户内按 (邮箱 ∨ 姓名+电话) 归并候选人，
// 身份不足以定位自然人时返回 nil（不报错）。
func resolveCandidate(tx *gorm.DB, companyID uint, info CandidateInfo) (*database.Candidate, error) {
	hasEmail := info.Email != ""
	hasNamePhone := info.FullName != "" && info.Phone != ""
	if !hasEmail && !hasNamePhone {
		return nil, nil
	}

	var candidate database.Candidate
	if hasEmail {
		err := tx.Where("company_id = ? AND email = ?", companyID, info.Email).
			First(&candidate).Error
		if err == nil {
			return &candidate, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("lookup candidate by email: %w", err)
		}
	}
	if hasNamePhone {
		err := tx.Where("company_id = ? AND full_name = ? AND phone = ?", companyID, info.FullName, info.Phone).
			First(&candidate).Error
		if err == nil {
			return &candidate, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("lookup candidate by name and phone: %w", err)
		}
	}

	candidate = database.Candidate{
		CompanyID: companyID,
		FullName:  info.FullName,
		Email:     info.Email,
		Phone:     info.Phone,
	}
	if err := tx.Create(&candidate).Error; err != nil {
		return nil, fmt.Errorf("create candidate: %w", err)
	}
	return &candidate, nil
}

// matchRequiredSkills 把岗位要求的技能与解析出的技能对比，
// 产出命中与缺失两组；无要求或无解析技能时返回 nil。
func matchRequiredSkills(required []string, raw []byte) (datatypes.JSON, datatypes.JSON) {
	if len(required) == 0 {
		return nil, nil
	}

	found := make(map[string]struct{})
	if len(raw) > 0 {
		for _, path := range []string{"skills", "candidate.skills", "parsed.skills"} {
			result := gjson.GetBytes(raw, path)
			if !result.IsArray() {
				continue
			}
			result.ForEach(func(_, value gjson.Result) bool {
				skill := strings.ToLower(strings.TrimSpace(value.String()))
				if skill != "" {
					found[skill] = struct{}{}
				}
				return true
			})
			if len(found) > 0 {
				break
			}
		}
	}

	match := make([]string, 0, len(required))
	missing := make([]string, 0, len(required))
	for _, skill := range required {
		if _, ok := found[strings.ToLower(strings.TrimSpace(skill))]; ok {
			match = append(match, skill)
		} else {
			missing = append(missing, skill)
		}
	}

	return mustJSON(match), mustJSON(missing)
}

func mustJSON(v any) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte("[]"))
	}
	return datatypes.JSON(data)
}
