package rotation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/aegisproxy/backend/internal/core"
	"github.com/aegisproxy/backend/internal/crypto"
)

const webhookTimeout = 30 * time.Second

// rotationSecretHeader authenticates outbound rotation requests to
// the operator's webhook.
const rotationSecretHeader = "X-Aegis-Webhook-Secret"

// selfRotateServices hold platform-issued keys we can regenerate
// without talking to anyone.
var selfRotateServices = map[string]bool{
	"aegis_internal": true,
	"test":           true,
	"internal_api":   true,
	"webhook_target": true,
}

// iamAPI is the slice of the IAM client the AWS strategy touches.
type iamAPI interface {
	GetAccessKeyLastUsed(ctx context.Context, params *iam.GetAccessKeyLastUsedInput, optFns ...func(*iam.Options)) (*iam.GetAccessKeyLastUsedOutput, error)
	CreateAccessKey(ctx context.Context, params *iam.CreateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error)
	UpdateAccessKey(ctx context.Context, params *iam.UpdateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.UpdateAccessKeyOutput, error)
}

// newSecretFor picks a strategy and mints the replacement value. An
// empty return with a nil error means no strategy covers the service;
// the caller counts it as skipped.
func (s *Service) newSecretFor(ctx context.Context, secret *core.VaultSecret, current string) (string, error) {
	switch {
	case secret.SecretType == core.SecretAPIKey && selfRotateServices[secret.ServiceName]:
		return "sk-" + crypto.EphemeralToken(), nil
	case secret.ServiceName == "openai":
		// OpenAI has no rotation API. Operators swap these by hand.
		s.logger.Printf("⚠️ %s keys require manual rotation, skipping", secret.ServiceName)
		return "", nil
	case secret.ServiceName == "aws" && secret.SecretType == core.SecretAPIKey:
		return s.rotateAWSKey(ctx, current)
	case s.webhookURL != "":
		return s.rotateViaWebhook(ctx, secret)
	default:
		s.logger.Printf("⚠️ No rotation strategy for %s (%s)", secret.ServiceName, secret.SecretType)
		return "", nil
	}
}

// rotateAWSKey issues a fresh IAM access key and retires the current
// one. The old key goes Inactive rather than deleted so requests
// already signed with it keep working until it is cleaned up.
func (s *Service) rotateAWSKey(ctx context.Context, current string) (string, error) {
	client, err := s.iamClient(ctx)
	if err != nil {
		return "", fmt.Errorf("build IAM client: %w", err)
	}

	// Stored AWS credentials are "accessKeyId:secretKey" composites.
	keyID := current
	if i := strings.IndexByte(current, ':'); i >= 0 {
		keyID = current[:i]
	}

	lastUsed, err := client.GetAccessKeyLastUsed(ctx, &iam.GetAccessKeyLastUsedInput{
		AccessKeyId: aws.String(keyID),
	})
	if err != nil {
		return "", fmt.Errorf("resolve key owner: %w", err)
	}
	if lastUsed.UserName == nil {
		return "", errors.New("IAM did not report an owner for the current key")
	}

	created, err := client.CreateAccessKey(ctx, &iam.CreateAccessKeyInput{
		UserName: lastUsed.UserName,
	})
	if err != nil {
		return "", fmt.Errorf("create access key: %w", err)
	}
	if created.AccessKey == nil {
		return "", errors.New("IAM returned an empty access key")
	}

	if _, err := client.UpdateAccessKey(ctx, &iam.UpdateAccessKeyInput{
		AccessKeyId: aws.String(keyID),
		Status:      iamtypes.StatusTypeInactive,
		UserName:    lastUsed.UserName,
	}); err != nil {
		return "", fmt.Errorf("retire old access key: %w", err)
	}

	return aws.ToString(created.AccessKey.AccessKeyId) + ":" + aws.ToString(created.AccessKey.SecretAccessKey), nil
}

// rotateViaWebhook asks the operator's rotation endpoint to mint a
// replacement. The 200 response carries the new value.
func (s *Service) rotateViaWebhook(ctx context.Context, secret *core.VaultSecret) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"service_name": secret.ServiceName,
		"secret_type":  string(secret.SecretType),
		"action":       "rotate",
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.hmacSecret != "" {
		req.Header.Set(rotationSecretHeader, s.hmacSecret)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("rotation webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("rotation webhook returned %d", resp.StatusCode)
	}

	var body struct {
		NewSecret string `json:"new_secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode rotation response: %w", err)
	}
	if body.NewSecret == "" {
		return "", errors.New("rotation webhook returned no secret")
	}
	return body.NewSecret, nil
}

// iamClient builds the real IAM client on first use. Tests slot a
// fake into s.iam instead.
func (s *Service) iamClient(ctx context.Context) (iamAPI, error) {
	if s.iam != nil {
		return s.iam, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if s.awsRegion != "" {
		opts = append(opts, awsconfig.WithRegion(s.awsRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	s.iam = iam.NewFromConfig(awsCfg)
	return s.iam, nil
}
