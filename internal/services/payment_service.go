package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/vladmelevich/uzmat/internal/cache"
	"github.com/vladmelevich/uzmat/internal/config"
	"github.com/vladmelevich/uzmat/internal/currency"
	"github.com/vladmelevich/uzmat/internal/models"
	"github.com/vladmelevich/uzmat/internal/utils"
)

const (
	pendingPaymentKeyPrefix = "payment:"
	clickPayBaseURL         = "https://my.click.uz/services/pay"
)

// Click webhook protocol constants.
const (
	ClickActionPrepare  = 0
	ClickActionComplete = 1
	ClickActionCancel   = -1
)

const (
	ClickOK           = 0
	ClickErrSignature = -1
	ClickErrAmount    = -2
	ClickErrTransID   = -5
	ClickErrAction    = -8
	ClickErrSystem    = -9
)

// Promotion windows per plan.
var planDurations = map[models.PromotionPlan]time.Duration{
	models.PlanGold:    3 * 24 * time.Hour,
	models.PlanPremium: 14 * 24 * time.Hour,
	models.PlanVIP:     30 * 24 * time.Hour,
}

var ErrUnknownPlan = errors.New("unknown promotion plan")

// ClickRequest carries the form fields of a gateway callback.
type ClickRequest struct {
	ClickTransID      string `form:"click_trans_id"`
	MerchantTransID   string `form:"merchant_trans_id"`
	MerchantPrepareID string `form:"merchant_prepare_id"`
	Amount            string `form:"amount"`
	Action            int    `form:"action"`
	SignTime          string `form:"sign_time"`
	SignString        string `form:"sign_string"`
	Error             string `form:"error"`
	ErrorNote         string `form:"error_note"`
}

// ClickResponse is the JSON body the gateway expects back.
type ClickResponse struct {
	ClickTransID      string `json:"click_trans_id,omitempty"`
	MerchantTransID   string `json:"merchant_trans_id,omitempty"`
	MerchantPrepareID string `json:"merchant_prepare_id,omitempty"`
	MerchantConfirmID string `json:"merchant_confirm_id,omitempty"`
	Error             int    `json:"error"`
	ErrorNote         string `json:"error_note"`
}

// IPaymentService drives the Click payment flow. Initiate* methods park
// a PendingPayment in the KV store and return the redirect URL; the
// webhook handler consumes the entry on completion, which is what makes
// replayed callbacks fail.
type IPaymentService interface {
	InitiatePromotion(ctx context.Context, userID, listingID utils.SixID, plan models.PromotionPlan, returnURL string) (string, error)
	InitiateVerification(ctx context.Context, userID utils.SixID, returnURL string) (string, error)
	HandleWebhook(ctx context.Context, req ClickRequest) ClickResponse
}

type paymentService struct {
	store         cache.Store
	cfg           *config.Config
	converter     currency.IConverter
	listings      IListingService
	verifications IVerificationService
	now           func() time.Time
}

func NewPaymentService(store cache.Store, cfg *config.Config, converter currency.IConverter, listings IListingService, verifications IVerificationService) IPaymentService {
	return &paymentService{
		store:         store,
		cfg:           cfg,
		converter:     converter,
		listings:      listings,
		verifications: verifications,
		now:           time.Now,
	}
}

func (s *paymentService) InitiatePromotion(ctx context.Context, userID, listingID utils.SixID, plan models.PromotionPlan, returnURL string) (string, error) {
	if _, ok := planDurations[plan]; !ok {
		return "", ErrUnknownPlan
	}

	listing, err := s.listings.FindListingByID(ctx, listingID)
	if err != nil {
		return "", err
	}
	if listing.UserID != userID {
		return "", ErrNotOwner
	}

	// Click settles in UZS regardless of the buyer's country.
	amount, _, err := s.converter.PromotionPrice(ctx, plan, "uz")
	if err != nil {
		return "", fmt.Errorf("failed to price plan %s: %w", plan, err)
	}

	payment := &models.PendingPayment{
		UserID:    userID,
		Purpose:   models.PurposePromotion,
		Amount:    amount,
		ListingID: &listingID,
		Plan:      plan,
	}
	return s.park(ctx, payment, returnURL)
}

func (s *paymentService) InitiateVerification(ctx context.Context, userID utils.SixID, returnURL string) (string, error) {
	amount, _, err := s.converter.VerificationPrice(ctx, "uz")
	if err != nil {
		return "", fmt.Errorf("failed to price verification: %w", err)
	}

	payment := &models.PendingPayment{
		UserID:  userID,
		Purpose: models.PurposeVerification,
		Amount:  amount,
	}
	return s.park(ctx, payment, returnURL)
}

// park stores the pending payment under its merchant transaction id and
// returns the gateway redirect URL.
func (s *paymentService) park(ctx context.Context, payment *models.PendingPayment, returnURL string) (string, error) {
	payment.MerchantTransID = fmt.Sprintf("%d-%s", s.now().UnixMilli(), payment.UserID)

	data, err := json.Marshal(payment)
	if err != nil {
		return "", fmt.Errorf("failed to encode pending payment: %w", err)
	}
	if err := s.store.Set(ctx, pendingPaymentKeyPrefix+payment.MerchantTransID, data, s.cfg.PendingPaymentTTL); err != nil {
		return "", fmt.Errorf("failed to store pending payment: %w", err)
	}

	params := url.Values{}
	params.Set("service_id", s.cfg.ClickServiceID)
	params.Set("merchant_id", s.cfg.ClickMerchantID)
	params.Set("amount", strconv.FormatFloat(payment.Amount, 'f', 2, 64))
	params.Set("transaction_param", payment.MerchantTransID)
	if returnURL != "" {
		params.Set("return_url", returnURL)
	}
	return clickPayBaseURL + "?" + params.Encode(), nil
}

func (s *paymentService) HandleWebhook(ctx context.Context, req ClickRequest) ClickResponse {
	payment, err := s.loadPending(ctx, req.MerchantTransID)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return ClickResponse{Error: ClickErrTransID, ErrorNote: "Invalid merchant_trans_id"}
		}
		log.Printf("Click webhook: failed to load payment %s: %v", req.MerchantTransID, err)
		return ClickResponse{Error: ClickErrSystem, ErrorNote: "System error"}
	}

	if !s.verifySignature(req) {
		return ClickResponse{Error: ClickErrSignature, ErrorNote: "Invalid signature"}
	}

	switch req.Action {
	case ClickActionPrepare:
		return s.prepare(ctx, req, payment)
	case ClickActionComplete:
		return s.complete(ctx, req, payment)
	case ClickActionCancel:
		if err := s.store.Delete(ctx, pendingPaymentKeyPrefix+req.MerchantTransID); err != nil {
			log.Printf("Click webhook: failed to drop cancelled payment %s: %v", req.MerchantTransID, err)
		}
		return ClickResponse{
			ClickTransID:    req.ClickTransID,
			MerchantTransID: req.MerchantTransID,
			Error:           ClickOK,
			ErrorNote:       "Success",
		}
	default:
		return ClickResponse{Error: ClickErrAction, ErrorNote: "Action not found"}
	}
}

func (s *paymentService) prepare(ctx context.Context, req ClickRequest, payment *models.PendingPayment) ClickResponse {
	if !amountMatches(req.Amount, payment.Amount) {
		return ClickResponse{Error: ClickErrAmount, ErrorNote: "Invalid amount"}
	}

	prepareID, err := strconv.ParseInt(req.ClickTransID, 10, 64)
	if err != nil || prepareID == 0 {
		prepareID = s.now().UnixMilli()
	}
	payment.PrepareID = prepareID

	data, err := json.Marshal(payment)
	if err == nil {
		err = s.store.Set(ctx, pendingPaymentKeyPrefix+payment.MerchantTransID, data, s.cfg.PendingPaymentTTL)
	}
	if err != nil {
		log.Printf("Click webhook: failed to record prepare for %s: %v", payment.MerchantTransID, err)
		return ClickResponse{Error: ClickErrSystem, ErrorNote: "System error"}
	}

	return ClickResponse{
		ClickTransID:      req.ClickTransID,
		MerchantTransID:   req.MerchantTransID,
		MerchantPrepareID: strconv.FormatInt(prepareID, 10),
		Error:             ClickOK,
		ErrorNote:         "Success",
	}
}

func (s *paymentService) complete(ctx context.Context, req ClickRequest, payment *models.PendingPayment) ClickResponse {
	if !amountMatches(req.Amount, payment.Amount) {
		return ClickResponse{Error: ClickErrAmount, ErrorNote: "Invalid amount"}
	}

	switch payment.Purpose {
	case models.PurposePromotion:
		if payment.ListingID == nil {
			return ClickResponse{Error: ClickErrSystem, ErrorNote: "System error"}
		}
		duration, ok := planDurations[payment.Plan]
		if !ok {
			return ClickResponse{Error: ClickErrSystem, ErrorNote: "System error"}
		}
		if err := s.listings.PromoteListing(ctx, *payment.ListingID, payment.Plan, duration); err != nil {
			log.Printf("Click webhook: failed to promote %s: %v", payment.ListingID, err)
			return ClickResponse{Error: ClickErrSystem, ErrorNote: "System error"}
		}
	case models.PurposeVerification:
		_, err := s.verifications.SubmitRequest(ctx, payment.UserID, "", "", "")
		if err != nil && !errors.Is(err, ErrRequestPending) {
			log.Printf("Click webhook: failed to file verification request for %s: %v", payment.UserID, err)
			return ClickResponse{Error: ClickErrSystem, ErrorNote: "System error"}
		}
	default:
		return ClickResponse{Error: ClickErrSystem, ErrorNote: "System error"}
	}

	// Dropping the entry makes a replayed complete fail the trans id
	// lookup.
	if err := s.store.Delete(ctx, pendingPaymentKeyPrefix+req.MerchantTransID); err != nil {
		log.Printf("Click webhook: failed to consume payment %s: %v", req.MerchantTransID, err)
	}

	return ClickResponse{
		ClickTransID:      req.ClickTransID,
		MerchantTransID:   req.MerchantTransID,
		MerchantConfirmID: req.MerchantTransID,
		Error:             ClickOK,
		ErrorNote:         "Success",
	}
}

func (s *paymentService) loadPending(ctx context.Context, merchantTransID string) (*models.PendingPayment, error) {
	if merchantTransID == "" {
		return nil, cache.ErrNotFound
	}
	data, err := s.store.Get(ctx, pendingPaymentKeyPrefix+merchantTransID)
	if err != nil {
		return nil, err
	}
	var payment models.PendingPayment
	if err := json.Unmarshal(data, &payment); err != nil {
		return nil, fmt.Errorf("failed to decode pending payment: %w", err)
	}
	return &payment, nil
}

// verifySignature checks the HMAC-SHA256 hex digest the gateway signs
// over merchant_trans_id + merchant_prepare_id + amount + action +
// sign_time + secret.
func (s *paymentService) verifySignature(req ClickRequest) bool {
	payload := req.MerchantTransID + req.MerchantPrepareID + req.Amount +
		strconv.Itoa(req.Action) + req.SignTime + s.cfg.ClickSecretKey

	mac := hmac.New(sha256.New, []byte(s.cfg.ClickSecretKey))
	mac.Write([]byte(payload))
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(req.SignString))
}

func amountMatches(got string, want float64) bool {
	amount, err := strconv.ParseFloat(got, 64)
	if err != nil {
		return false
	}
	return math.Abs(amount-want) < 0.01
}
